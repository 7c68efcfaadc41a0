package health

import (
	"context"

	"github.com/speedwagon-io/climalink/internal/watchdog"
)

// bufferHighWater is the outbox depth above which forwarding is reported
// as degraded.
const bufferHighWater = 1000

type LinkHealthChecker struct {
	source StateSource
}

func NewLinkHealthChecker(source StateSource) *LinkHealthChecker {
	return &LinkHealthChecker{source: source}
}

func (c *LinkHealthChecker) Name() string {
	return "link"
}

func (c *LinkHealthChecker) Check(ctx context.Context) (Status, string) {
	v := c.source.Snapshot().Verdict
	switch v.Phase {
	case watchdog.PhaseLive:
		return StatusHealthy, ""
	case watchdog.PhaseStale:
		return StatusUnhealthy, v.Reason.Message()
	default:
		return StatusDegraded, "waiting for first message"
	}
}

type SenderHealthChecker struct {
	healthFunc func(ctx context.Context) error
}

func NewSenderHealthChecker(healthFunc func(ctx context.Context) error) *SenderHealthChecker {
	return &SenderHealthChecker{healthFunc: healthFunc}
}

func (c *SenderHealthChecker) Name() string {
	return "sender"
}

func (c *SenderHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.healthFunc(ctx); err != nil {
		return StatusDegraded, err.Error()
	}
	return StatusHealthy, ""
}

type BufferHealthChecker struct {
	countFunc func(ctx context.Context) (int64, error)
}

func NewBufferHealthChecker(countFunc func(ctx context.Context) (int64, error)) *BufferHealthChecker {
	return &BufferHealthChecker{countFunc: countFunc}
}

func (c *BufferHealthChecker) Name() string {
	return "buffer"
}

func (c *BufferHealthChecker) Check(ctx context.Context) (Status, string) {
	count, err := c.countFunc(ctx)
	if err != nil {
		return StatusUnhealthy, err.Error()
	}

	if count > bufferHighWater {
		return StatusDegraded, "high buffer count"
	}

	return StatusHealthy, ""
}
