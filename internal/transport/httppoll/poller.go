// Package httppoll reads telemetry from a gateway that exposes the latest
// device message over HTTP.
package httppoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
)

const maxBodySize = 1 << 20

type Config struct {
	URL      string
	Token    string
	Timeout  time.Duration
	Interval time.Duration
}

// Poller fetches the gateway URL once per interval. Unchanged responses
// (304 via ETag) and bare boolean bodies emit nothing, so a gateway that
// stops receiving from the device shows up as silence.
type Poller struct {
	log      *slog.Logger
	url      string
	token    string
	interval time.Duration
	client   *http.Client
	etag     string

	mu      sync.Mutex
	started bool
	msgs    chan []byte
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

func New(log *slog.Logger, cfg Config) (*Poller, error) {
	if cfg.URL == "" {
		return nil, errors.New("httppoll: url required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("httppoll: interval must be > 0")
	}
	return &Poller{
		log:      log.With(slog.String("transport", "http"), slog.String("url", cfg.URL)),
		url:      cfg.URL,
		token:    cfg.Token,
		interval: cfg.Interval,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		msgs: make(chan []byte),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

func (p *Poller) Name() string {
	return "http"
}

func (p *Poller) Subscribe(ctx context.Context) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stop:
		return nil, errors.New("httppoll: poller closed")
	default:
	}
	if p.started {
		return nil, errors.New("httppoll: already subscribed")
	}
	p.started = true

	go p.run(ctx)
	return p.msgs, nil
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.msgs)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.emit(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) emit(ctx context.Context) bool {
	body, err := p.PollOnce(ctx)
	if err != nil {
		p.log.Warn("gateway poll failed", sl.Err(err))
		return true
	}
	if body == nil {
		return true
	}
	select {
	case p.msgs <- body:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// PollOnce fetches the gateway once. It returns a nil body when there is
// nothing new to deliver. PollOnce must not be called concurrently.
func (p *Poller) PollOnce(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if p.etag != "" {
		req.Header.Set("If-None-Match", p.etag)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified, http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	p.etag = resp.Header.Get("ETag")

	// Some gateways answer a plain "True"/"False" when they hold no message.
	body = bytes.TrimSpace(body)
	switch string(body) {
	case "", "True", "False", "true", "false":
		p.log.Debug("gateway returned no message", slog.String("response", string(body)))
		return nil, nil
	}

	return body, nil
}

func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.stop)
		started := p.started
		p.mu.Unlock()

		if started {
			<-p.done
		}
		p.client.CloseIdleConnections()
		p.log.Info("http poller closed")
	})
	return nil
}
