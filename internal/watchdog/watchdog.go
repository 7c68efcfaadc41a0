package watchdog

import (
	"sync"
	"time"
)

// DefaultTimeout is the deadline of the reference device.
const DefaultTimeout = 10 * time.Second

// Expiry is posted on the Expiries channel when an armed deadline elapses.
// Generation identifies the arming that produced it.
type Expiry struct {
	Generation uint64
}

// Watchdog is a Pending -> Live <-> Stale state machine driven by two
// events: MessageArrived and Expire. It keeps at most one timer outstanding.
//
// All methods except Stop must be called from the single goroutine that
// consumes Expiries. Timer callbacks only post onto that channel, so a
// firing that races with a rearm arrives with an old generation and is
// discarded by Expire.
type Watchdog struct {
	timeout  time.Duration
	clock    Clock
	expiries chan Expiry
	done     chan struct{}
	stopOnce sync.Once

	verdict    Verdict
	generation uint64
	timer      Timer
}

func New(timeout time.Duration, clock Clock) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Watchdog{
		timeout:  timeout,
		clock:    clock,
		expiries: make(chan Expiry),
		done:     make(chan struct{}),
		verdict:  Verdict{Phase: PhasePending},
	}
}

func (w *Watchdog) Expiries() <-chan Expiry {
	return w.expiries
}

func (w *Watchdog) Verdict() Verdict {
	return w.verdict
}

func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Outstanding reports whether a deadline is currently armed.
func (w *Watchdog) Outstanding() bool {
	return w.timer != nil
}

// Start enters Pending and arms the first deadline.
func (w *Watchdog) Start() {
	w.verdict = Verdict{Phase: PhasePending}
	w.rearm()
}

// MessageArrived cancels the outstanding deadline, arms a fresh one and
// moves to Live from any phase.
func (w *Watchdog) MessageArrived() Verdict {
	w.rearm()
	w.verdict = Verdict{Phase: PhaseLive}
	return w.verdict
}

// Expire applies a timer firing. It returns false when the expiry belongs
// to a superseded or cancelled deadline.
func (w *Watchdog) Expire(e Expiry) (Verdict, bool) {
	if w.timer == nil || e.Generation != w.generation {
		return w.verdict, false
	}
	w.timer = nil

	reason := ReasonStreamInterrupted
	if w.verdict.Phase == PhasePending {
		reason = ReasonNeverConnected
	}
	w.verdict = Verdict{Phase: PhaseStale, Reason: reason}
	return w.verdict, true
}

// Stop cancels any outstanding deadline. No expiry is delivered afterwards.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.disarm()
	w.generation++
}

func (w *Watchdog) rearm() {
	w.disarm()
	select {
	case <-w.done:
		return
	default:
	}

	w.generation++
	gen := w.generation
	w.timer = w.clock.AfterFunc(w.timeout, func() {
		select {
		case w.expiries <- Expiry{Generation: gen}:
		case <-w.done:
		}
	})
}

func (w *Watchdog) disarm() {
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
}
