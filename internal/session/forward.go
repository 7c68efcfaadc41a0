package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/speedwagon-io/climalink/internal/buffer"
	"github.com/speedwagon-io/climalink/internal/config"
	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/metrics"
	"github.com/speedwagon-io/climalink/internal/model"
	"github.com/speedwagon-io/climalink/internal/sender"
	"github.com/speedwagon-io/climalink/internal/telemetry"
	"github.com/speedwagon-io/climalink/internal/watchdog"
)

const (
	forwardQueueSize = 64
	retryBatchSize   = 100
	flushTimeout     = 5 * time.Second
)

// Forwarder delivers snapshots upstream off the event loop. Envelopes that
// fail to send are kept in the buffer and retried on a ticker.
type Forwarder struct {
	log      *slog.Logger
	deviceID string
	schema   telemetry.Schema
	sender   sender.Sender
	buffer   buffer.Buffer
	maxAge   time.Duration
	interval time.Duration

	queue    chan Snapshot
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewForwarder builds a forwarder. buf may be nil, in which case failed
// envelopes are dropped.
func NewForwarder(
	log *slog.Logger,
	deviceID string,
	schema telemetry.Schema,
	s sender.Sender,
	buf buffer.Buffer,
	cfg *config.BufferConfig,
) *Forwarder {
	return &Forwarder{
		log:      log.With(slog.String("device_id", deviceID)),
		deviceID: deviceID,
		schema:   schema,
		sender:   s,
		buffer:   buf,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		queue:    make(chan Snapshot, forwardQueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Publish enqueues a snapshot. A full queue drops it.
func (f *Forwarder) Publish(snap Snapshot) {
	select {
	case f.queue <- snap:
	default:
		metrics.ForwardTotal.WithLabelValues(metrics.ResultDropped).Inc()
		f.log.Warn("forward queue full, dropping snapshot")
	}
}

func (f *Forwarder) Start(ctx context.Context) {
	f.log.Info("starting forwarder", slog.Duration("retry_interval", f.interval))

	f.wg.Add(1)
	go f.run(ctx)

	if f.buffer != nil && f.interval > 0 {
		f.wg.Add(1)
		go f.retryBufferedData(ctx)
	}
}

// Stop waits for in-flight deliveries and moves whatever is still queued
// into the buffer.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
	f.flush()
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case snap := <-f.queue:
			f.forward(ctx, snap)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, snap Snapshot) {
	envelope := f.envelope(snap)

	start := time.Now()
	err := f.sender.Send(ctx, envelope)
	metrics.ForwardDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.ForwardTotal.WithLabelValues(metrics.ResultSent).Inc()
		f.log.Debug("snapshot sent", slog.String("id", envelope.ID))
		return
	}

	if errors.Is(err, sender.ErrRejected) {
		metrics.ForwardTotal.WithLabelValues(metrics.ResultDropped).Inc()
		f.log.Error("snapshot rejected upstream, dropping", slog.String("id", envelope.ID), sl.Err(err))
		return
	}

	f.log.Error("failed to send snapshot", slog.String("id", envelope.ID), sl.Err(err))
	f.store(ctx, envelope)
}

func (f *Forwarder) store(ctx context.Context, envelope *model.Envelope) {
	if f.buffer == nil {
		metrics.ForwardTotal.WithLabelValues(metrics.ResultDropped).Inc()
		return
	}
	if err := f.buffer.Store(ctx, envelope); err != nil {
		metrics.ForwardTotal.WithLabelValues(metrics.ResultDropped).Inc()
		f.log.Error("failed to buffer snapshot", slog.String("id", envelope.ID), sl.Err(err))
		return
	}
	metrics.ForwardTotal.WithLabelValues(metrics.ResultBuffered).Inc()
	f.log.Info("snapshot buffered for later retry", slog.String("id", envelope.ID))
}

func (f *Forwarder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case snap := <-f.queue:
			f.store(ctx, f.envelope(snap))
		default:
			return
		}
	}
}

func (f *Forwarder) envelope(snap Snapshot) *model.Envelope {
	live := snap.Verdict.Phase == watchdog.PhaseLive
	env := model.NewEnvelope(
		f.deviceID,
		f.schema.Version,
		snap.Verdict.String(),
		snap.State.RSSI,
		snap.Signal,
		model.DataPointsFromState(f.schema, snap.State, live),
		snap.State.Errors,
	)
	env.Timestamp = snap.UpdatedAt.UTC()
	return env
}

func (f *Forwarder) retryBufferedData(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.processBufferedData(ctx)
		}
	}
}

// processBufferedData resends pending envelopes oldest first and stops at
// the first retryable failure so ordering is preserved. Envelopes the
// server rejects are removed so they cannot block the outbox.
func (f *Forwarder) processBufferedData(ctx context.Context) {
	pending, err := f.buffer.GetPending(ctx, retryBatchSize)
	if err != nil {
		f.log.Error("failed to get pending data from buffer", sl.Err(err))
		return
	}

	if len(pending) > 0 {
		f.log.Info("processing buffered data", slog.Int("count", len(pending)))

		var doneIDs []string
		sent, rejected := 0, 0
		for _, envelope := range pending {
			err := f.sender.Send(ctx, envelope)
			if errors.Is(err, sender.ErrRejected) {
				f.log.Error("buffered snapshot rejected upstream, dropping",
					slog.String("id", envelope.ID),
					sl.Err(err),
				)
				doneIDs = append(doneIDs, envelope.ID)
				rejected++
				continue
			}
			if err != nil {
				f.log.Debug("failed to send buffered data",
					slog.String("id", envelope.ID),
					sl.Err(err),
				)
				break
			}
			doneIDs = append(doneIDs, envelope.ID)
			sent++
		}

		if len(doneIDs) > 0 {
			if err := f.buffer.MarkSent(ctx, doneIDs); err != nil {
				f.log.Error("failed to mark buffered data as sent", sl.Err(err))
			} else {
				metrics.ForwardTotal.WithLabelValues(metrics.ResultSent).Add(float64(sent))
				metrics.ForwardTotal.WithLabelValues(metrics.ResultDropped).Add(float64(rejected))
				f.log.Info("buffered data processed",
					slog.Int("sent", sent),
					slog.Int("rejected", rejected),
				)
			}
		}
	}

	if err := f.buffer.Cleanup(ctx, f.maxAge); err != nil {
		f.log.Error("failed to cleanup old buffer data", sl.Err(err))
	}
}
