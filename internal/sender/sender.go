package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/speedwagon-io/climalink/internal/config"
	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/model"
)

// ErrRejected matches a send error the server will repeat for the same
// envelope. Such envelopes are not worth buffering.
var ErrRejected = errors.New("envelope rejected")

const errorBodyLimit = 512

type Sender interface {
	Send(ctx context.Context, envelope *model.Envelope) error
	Health(ctx context.Context) error
}

// StatusError is a non-2xx answer from the upstream endpoint.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

// Retryable reports whether the same envelope may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRejected && !e.Retryable()
}

// HTTPSender posts one envelope per request. The envelope ID doubles as
// the idempotency key, so a retried or replayed snapshot is not stored twice
// upstream.
type HTTPSender struct {
	log         *slog.Logger
	url         string
	token       string
	client      *http.Client
	maxAttempts int
	backoff     backoff
}

func NewHTTPSender(log *slog.Logger, cfg *config.SenderConfig) *HTTPSender {
	return &HTTPSender{
		log:   log,
		url:   cfg.URL,
		token: cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts: max(cfg.Retry.MaxAttempts, 1),
		backoff:     newBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
	}
}

func (s *HTTPSender) Send(ctx context.Context, envelope *model.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	log := s.log.With(slog.String("id", envelope.ID), slog.String("link", envelope.Link))

	for attempt := 1; ; attempt++ {
		err = s.post(ctx, envelope, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}

		log.Warn("send attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.maxAttempts),
			sl.Err(err),
		)
		if attempt == s.maxAttempts {
			return fmt.Errorf("all %d attempts failed: %w", s.maxAttempts, err)
		}

		wait := s.backoff.delay(attempt)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > wait {
			wait = min(statusErr.RetryAfter, s.backoff.max)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *HTTPSender) post(ctx context.Context, envelope *model.Envelope, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", envelope.ID)
	req.Header.Set("X-Device-ID", envelope.DeviceID)
	req.Header.Set("X-Schema-Version", envelope.SchemaVersion)
	req.Header.Set("X-Link-State", envelope.Link)
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &StatusError{
		Code:       resp.StatusCode,
		Body:       string(bytes.TrimSpace(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func (s *HTTPSender) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("upstream refuses credentials: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSender) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// LogSender logs envelopes instead of sending them (for dry runs)
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, envelope *model.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	s.log.Info("SEND",
		slog.String("device_id", envelope.DeviceID),
		slog.String("link", envelope.Link),
		slog.Int("signal", envelope.Signal),
		slog.Int("values_count", len(envelope.Values)),
		slog.Any("errors", envelope.Errors),
		slog.String("payload", string(data)),
	)

	return nil
}

func (s *LogSender) Health(context.Context) error {
	return nil
}
