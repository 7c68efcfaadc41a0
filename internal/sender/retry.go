package sender

import (
	"math/rand"
	"time"
)

const backoffJitter = 0.1

// backoff doubles the wait after every failed attempt, capped at max, and
// spreads it by ±10% so devices restarted together do not retry in step.
type backoff struct {
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return backoff{initial: initial, max: max}
}

// delay is the wait after the given number of consecutive failures.
func (b backoff) delay(failures int) time.Duration {
	d := b.initial
	for i := 1; i < failures && d < b.max; i++ {
		d *= 2
	}
	d = min(d, b.max)

	spread := time.Duration(float64(d) * backoffJitter * (2*rand.Float64() - 1))
	return min(d+spread, b.max)
}
