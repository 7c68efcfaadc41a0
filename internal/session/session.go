// Package session ties a transport subscription to the decoder and the
// liveness watchdog and keeps the latest snapshot of the device.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/metrics"
	"github.com/speedwagon-io/climalink/internal/telemetry"
	"github.com/speedwagon-io/climalink/internal/transport"
	"github.com/speedwagon-io/climalink/internal/watchdog"
)

var (
	ErrClosed  = errors.New("session closed")
	ErrRunning = errors.New("session already running")
)

// Snapshot is the read-only view of a device, replaced wholesale on every
// update.
type Snapshot struct {
	State     telemetry.State  `json:"state"`
	Verdict   watchdog.Verdict `json:"verdict"`
	Signal    int              `json:"signal"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Publisher receives every snapshot the controller produces. Publish is
// called from the event loop and must not block.
type Publisher interface {
	Publish(Snapshot)
}

// Controller runs the event loop. Messages and watchdog expiries are
// handled on one goroutine, so decoding, timer rearming and publishing
// never interleave.
type Controller struct {
	log       *slog.Logger
	transport transport.Transport
	decoder   *telemetry.Decoder
	watchdog  *watchdog.Watchdog
	publisher Publisher
	now       func() time.Time

	snapshot atomic.Pointer[Snapshot]

	mu       sync.Mutex
	running  bool
	closed   bool
	stop     chan struct{}
	done     chan struct{}
	teardown sync.Once
}

// New builds a controller. publisher may be nil.
func New(
	log *slog.Logger,
	tr transport.Transport,
	decoder *telemetry.Decoder,
	wd *watchdog.Watchdog,
	publisher Publisher,
) *Controller {
	c := &Controller{
		log:       log,
		transport: tr,
		decoder:   decoder,
		watchdog:  wd,
		publisher: publisher,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.snapshot.Store(&Snapshot{
		State:     decoder.Default(),
		Verdict:   wd.Verdict(),
		UpdatedAt: c.now(),
	})
	return c
}

// Snapshot returns a deep copy of the latest snapshot.
func (c *Controller) Snapshot() Snapshot {
	s := *c.snapshot.Load()
	s.State = s.State.Clone()
	return s
}

// Run subscribes to the transport and processes events until ctx is done
// or Close is called. Teardown happens before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.mu.Unlock()

	defer close(c.done)
	defer c.shutdown()

	msgs, err := c.transport.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.transport.Name(), err)
	}

	c.log.Info("session started",
		slog.String("transport", c.transport.Name()),
		slog.Duration("timeout", c.watchdog.Timeout()),
	)
	c.watchdog.Start()
	c.publish(c.decoder.Default(), c.watchdog.Verdict())

	for {
		select {
		case <-ctx.Done():
			c.log.Info("context cancelled, stopping session")
			return nil
		case <-c.stop:
			c.log.Info("stop signal received, stopping session")
			return nil
		case payload, ok := <-msgs:
			if !ok {
				// No more messages; the watchdog reports the silence.
				c.log.Warn("transport detached", slog.String("transport", c.transport.Name()))
				msgs = nil
				continue
			}
			c.handleMessage(payload)
		case e := <-c.watchdog.Expiries():
			c.handleExpiry(e)
		}
	}
}

// Close stops the event loop, cancels the watchdog deadline and closes the
// transport. No snapshot is published after Close returns.
func (c *Controller) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.stop)
	}
	running := c.running
	c.mu.Unlock()

	if running {
		<-c.done
	}
	return c.shutdown()
}

func (c *Controller) shutdown() error {
	var err error
	c.teardown.Do(func() {
		c.watchdog.Stop()
		if closeErr := c.transport.Close(); closeErr != nil {
			err = fmt.Errorf("close %s: %w", c.transport.Name(), closeErr)
			c.log.Error("failed to close transport", sl.Err(closeErr))
		}
	})
	return err
}

func (c *Controller) handleMessage(payload []byte) {
	prev := c.watchdog.Verdict()
	verdict := c.watchdog.MessageArrived()
	if prev.Phase != verdict.Phase {
		c.log.Info("link live", slog.String("previous", prev.String()))
	}

	st, err := c.decoder.DecodeResult(payload)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		c.log.Debug("discarding payload", slog.Int("bytes", len(payload)), sl.Err(err))
		st = c.decoder.Fault(telemetry.MsgInvalidPayload)
		metrics.ActiveAlarms.Set(0)
	} else {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultDecoded).Inc()
		metrics.ActiveAlarms.Set(float64(len(st.Errors)))
	}

	c.publish(st, verdict)
}

func (c *Controller) handleExpiry(e watchdog.Expiry) {
	verdict, ok := c.watchdog.Expire(e)
	if !ok {
		return
	}

	metrics.WatchdogTimeouts.WithLabelValues(verdict.Reason.String()).Inc()
	metrics.ActiveAlarms.Set(0)
	c.log.Warn("watchdog timeout",
		slog.String("reason", verdict.Reason.String()),
		slog.Duration("timeout", c.watchdog.Timeout()),
	)

	c.publish(c.decoder.Fault(verdict.Reason.Message()), verdict)
}

func (c *Controller) publish(st telemetry.State, verdict watchdog.Verdict) {
	snap := &Snapshot{
		State:     st,
		Verdict:   verdict,
		Signal:    telemetry.RSSIToBucket(st.RSSI),
		UpdatedAt: c.now(),
	}
	c.snapshot.Store(snap)
	metrics.LinkPhase.Set(float64(verdict.Phase))

	if c.publisher != nil {
		out := *snap
		out.State = st.Clone()
		c.publisher.Publish(out)
	}
}
