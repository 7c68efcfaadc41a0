package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/climalink/internal/lib/logger/sl"
	"github.com/speedwagon-io/climalink/internal/telemetry"
	"github.com/speedwagon-io/climalink/internal/watchdog"
)

type fakeTransport struct {
	msgs         chan []byte
	subscribeErr error
	closes       atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan []byte, 8)}
}

func (f *fakeTransport) Subscribe(context.Context) (<-chan []byte, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.msgs, nil
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeTimer struct {
	stopped atomic.Bool
	f       func()
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) watchdog.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// fire runs the newest timer's callback the way time.AfterFunc would.
func (c *fakeClock) fire() {
	t := c.last()
	t.stopped.Store(true)
	go t.f()
}

type recorder struct {
	ch chan Snapshot
}

func (r *recorder) Publish(s Snapshot) {
	r.ch <- s
}

type harness struct {
	ctrl      *Controller
	transport *fakeTransport
	clock     *fakeClock
	published chan Snapshot
	runErr    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dec, err := telemetry.NewDecoder(telemetry.DefaultSchema())
	require.NoError(t, err)

	h := &harness{
		transport: newFakeTransport(),
		clock:     &fakeClock{},
		published: make(chan Snapshot, 32),
		runErr:    make(chan error, 1),
	}
	wd := watchdog.New(watchdog.DefaultTimeout, h.clock)
	h.ctrl = New(sl.Discard(), h.transport, dec, wd, &recorder{ch: h.published})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() { h.runErr <- h.ctrl.Run(context.Background()) }()

	initial := h.next(t)
	require.Equal(t, watchdog.PhasePending, initial.Verdict.Phase)
	t.Cleanup(func() { _ = h.ctrl.Close() })
}

func (h *harness) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-h.published:
		return s
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
		return Snapshot{}
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-h.published:
		t.Fatalf("unexpected snapshot: %s", s.Verdict)
	case <-time.After(50 * time.Millisecond):
	}
}

func validPayload(t *testing.T) []byte {
	t.Helper()
	coil := make([]int, 42)
	coil[0] = 1
	coil[33] = 1
	b, err := json.Marshal(map[string]any{
		"id":      "44BF713C",
		"rssi":    -58,
		"holding": []int{251, 252, 253, 254, 255, 256, 1257, 655, 123, 42, 1850},
		"coil":    coil,
	})
	require.NoError(t, err)
	return b
}

func TestController_InitialSnapshotIsPending(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.Snapshot()
	assert.Equal(t, watchdog.PhasePending, s.Verdict.Phase)
	assert.Empty(t, s.State.Errors)
	assert.Len(t, s.State.Main, 11)
}

func TestController_NeverConnected(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.clock.fire()
	s := h.next(t)

	assert.Equal(t, watchdog.Verdict{Phase: watchdog.PhaseStale, Reason: watchdog.ReasonNeverConnected}, s.Verdict)
	assert.Equal(t, []string{telemetry.MsgConnectionTimeout}, s.State.Errors)
	assert.Zero(t, s.State.Main[telemetry.FieldTemp1])
	assert.Equal(t, 0, h.clock.active())
}

func TestController_MessageThenSilence(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.msgs <- validPayload(t)
	s := h.next(t)

	assert.Equal(t, watchdog.PhaseLive, s.Verdict.Phase)
	assert.Equal(t, "44BF713C", s.State.Serial)
	assert.InDelta(t, 25.1, s.State.Main[telemetry.FieldTemp1], 1e-9)
	assert.True(t, s.State.Outputs["minimumVentilation"])
	assert.Equal(t, []string{"low temperature"}, s.State.Errors)
	assert.Equal(t, 4, s.Signal)
	assert.Equal(t, 1, h.clock.active())

	h.clock.fire()
	s = h.next(t)

	assert.Equal(t, watchdog.Verdict{Phase: watchdog.PhaseStale, Reason: watchdog.ReasonStreamInterrupted}, s.Verdict)
	assert.Equal(t, []string{telemetry.MsgConnectionLost}, s.State.Errors)
	assert.Empty(t, s.State.Serial)
	assert.False(t, s.State.Outputs["minimumVentilation"])
}

func TestController_InvalidPayloadKeepsLinkLive(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.msgs <- []byte(`{"id":"44BF713C","rssi":-58,"holding":[]}`)
	s := h.next(t)

	assert.Equal(t, watchdog.PhaseLive, s.Verdict.Phase)
	assert.Equal(t, []string{telemetry.MsgInvalidPayload}, s.State.Errors)
	assert.Equal(t, 1, h.clock.active())
}

func TestController_RecoversFromStale(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.clock.fire()
	require.Equal(t, watchdog.PhaseStale, h.next(t).Verdict.Phase)

	h.transport.msgs <- validPayload(t)
	s := h.next(t)
	assert.Equal(t, watchdog.PhaseLive, s.Verdict.Phase)
	assert.Equal(t, 1, h.clock.active())
}

func TestController_RearmsOnEveryMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for i := 0; i < 5; i++ {
		h.transport.msgs <- validPayload(t)
		h.next(t)
		assert.Equal(t, 1, h.clock.active())
	}
}

func TestController_SupersededExpiryIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	first := h.clock.last()
	h.transport.msgs <- validPayload(t)
	require.Equal(t, watchdog.PhaseLive, h.next(t).Verdict.Phase)
	require.True(t, first.stopped.Load())

	// A callback that was already running when the timer got cancelled.
	go first.f()

	h.expectQuiet(t)
	assert.Equal(t, watchdog.PhaseLive, h.ctrl.Snapshot().Verdict.Phase)
}

func TestController_TransportDetached(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.msgs <- validPayload(t)
	h.next(t)
	close(h.transport.msgs)

	h.clock.fire()
	s := h.next(t)
	assert.Equal(t, watchdog.ReasonStreamInterrupted, s.Verdict.Reason)
}

func TestController_Close(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.msgs <- validPayload(t)
	h.next(t)
	pending := h.clock.last()

	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	assert.Equal(t, int32(1), h.transport.closes.Load())
	assert.True(t, pending.stopped.Load())

	// A late firing must neither block nor publish.
	done := make(chan struct{})
	go func() {
		pending.f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("late timer callback blocked after Close")
	}
	h.expectQuiet(t)

	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrClosed)
}

func TestController_ContextCancelTearsDown(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.ctrl.Run(ctx) }()
	h.next(t)

	cancel()
	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), h.transport.closes.Load())

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, int32(1), h.transport.closes.Load())
}

func TestController_SubscribeError(t *testing.T) {
	h := newHarness(t)
	h.transport.subscribeErr = errors.New("broker unreachable")

	err := h.ctrl.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
	assert.Equal(t, int32(1), h.transport.closes.Load())
}

func TestController_SecondRunRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.ErrorIs(t, h.ctrl.Run(context.Background()), ErrRunning)
}

func TestController_SnapshotIsCopy(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.transport.msgs <- validPayload(t)
	h.next(t)

	s := h.ctrl.Snapshot()
	s.State.Main[telemetry.FieldTemp1] = 99
	s.State.Errors[0] = "tampered"

	again := h.ctrl.Snapshot()
	assert.InDelta(t, 25.1, again.State.Main[telemetry.FieldTemp1], 1e-9)
	assert.Equal(t, []string{"low temperature"}, again.State.Errors)
}
