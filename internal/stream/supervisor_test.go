package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool { t.stopped = true; return true }

// fakeScheduler records scheduled retries instead of arming real timers,
// so tests control exactly when and whether a retry fires.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (fs *fakeScheduler) after(d time.Duration, f func()) timerHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	fs.timers = append(fs.timers, t)
	return t
}

func (fs *fakeScheduler) snapshot() []*fakeTimer {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*fakeTimer, len(fs.timers))
	copy(out, fs.timers)
	return out
}

func (fs *fakeScheduler) waitTimers(t *testing.T, n int) []*fakeTimer {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if timers := fs.snapshot(); len(timers) >= n {
			return timers
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d scheduled retries; got %d", n, len(fs.snapshot()))
	return nil
}

// fire runs the i-th scheduled retry synchronously, like an elapsed timer.
func (fs *fakeScheduler) fire(i int) {
	fs.mu.Lock()
	fn := fs.timers[i].fn
	fs.mu.Unlock()
	fn()
}

type fakeConn struct {
	mu      sync.Mutex
	sent    []string
	cancels int
	closed  bool
}

func (c *fakeConn) Send(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return nil
}

func (c *fakeConn) SendCancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type dialRecord struct {
	conversationID string
	cbs            Callbacks
	conn           *fakeConn
	err            error
}

// fakeDialer answers dials from a scripted error queue; once the queue is
// empty every dial succeeds.
type fakeDialer struct {
	mu    sync.Mutex
	queue []error
	dials []dialRecord
}

func (d *fakeDialer) dial(ctx context.Context, conversationID, accessToken string, cbs Callbacks) (conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if len(d.queue) > 0 {
		err = d.queue[0]
		d.queue = d.queue[1:]
	}
	rec := dialRecord{conversationID: conversationID, cbs: cbs, err: err}
	if err == nil {
		rec.conn = &fakeConn{}
	}
	d.dials = append(d.dials, rec)
	if err != nil {
		return nil, err
	}
	return rec.conn, nil
}

func (d *fakeDialer) snapshot() []dialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dialRecord, len(d.dials))
	copy(out, d.dials)
	return out
}

func (d *fakeDialer) waitDials(t *testing.T, n int) []dialRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if dials := d.snapshot(); len(dials) >= n {
			return dials
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dials; got %d", n, len(d.snapshot()))
	return nil
}

type supervisorHarness struct {
	sup    *Supervisor
	dialer *fakeDialer
	sched  *fakeScheduler

	mu     sync.Mutex
	events []Event
	convs  []string
}

func newSupervisorHarness(cfg Config, token TokenFunc) *supervisorHarness {
	h := &supervisorHarness{dialer: &fakeDialer{}, sched: &fakeScheduler{}}
	if token == nil {
		token = func() (string, bool) { return "tok", true }
	}
	h.sup = NewSupervisor(cfg, token, func(conversationID string, ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.convs = append(h.convs, conversationID)
		h.mu.Unlock()
	})
	h.sup.dial = h.dialer.dial
	h.sup.after = h.sched.after
	return h
}

func (h *supervisorHarness) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *supervisorHarness) waitState(t *testing.T, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var st Status
	for time.Now().Before(deadline) {
		st = h.sup.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s; stuck at %s", want, st.State)
	return st
}

func failN(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	return errs
}

func TestSupervisorBackoffSchedule(t *testing.T) {
	h := newSupervisorHarness(Config{BaseDelay: time.Second, MaxRetries: 5}, nil)
	h.dialer.queue = failN(10)

	h.sup.Bind("conv-1")

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, delay := range want {
		timers := h.sched.waitTimers(t, i+1)
		assert.Equal(t, delay, timers[i].delay, "attempt %d delay", i+1)
		st := h.sup.Status()
		assert.Equal(t, StateBackoff, st.State)
		assert.Equal(t, i+1, st.Attempts)
		h.sched.fire(i)
	}

	// The sixth failure exhausts the budget: terminal, no further timer.
	st := h.waitState(t, StateFailed)
	assert.Equal(t, 5, st.Attempts)
	assert.NotEmpty(t, st.LastError)
	assert.Len(t, h.sched.snapshot(), 5, "no retry scheduled past the ceiling")
	assert.Len(t, h.dialer.snapshot(), 6, "initial dial plus five retries")
}

func TestSupervisorManualRetryAfterFailure(t *testing.T) {
	h := newSupervisorHarness(Config{BaseDelay: time.Second, MaxRetries: 2}, nil)
	h.dialer.queue = failN(3)

	h.sup.Bind("conv-1")
	for i := 0; i < 2; i++ {
		h.sched.waitTimers(t, i+1)
		h.sched.fire(i)
	}
	h.waitState(t, StateFailed)

	// ManualRetry dials immediately with a clean attempt counter.
	require.NoError(t, h.sup.ManualRetry())
	st := h.waitState(t, StateConnected)
	assert.Equal(t, 0, st.Attempts)
	assert.Equal(t, "conv-1", st.ConversationID)
	require.NotNil(t, st.ConnectedAt)
	assert.Len(t, h.sched.snapshot(), 2, "manual retry does not go through the timer")
}

func TestSupervisorManualRetryRequiresBinding(t *testing.T) {
	h := newSupervisorHarness(Config{}, nil)
	assert.ErrorIs(t, h.sup.ManualRetry(), ErrNothingBound)
}

func TestSupervisorSwitchCancelsPendingRetry(t *testing.T) {
	h := newSupervisorHarness(Config{BaseDelay: time.Second, MaxRetries: 5}, nil)
	h.dialer.queue = failN(1)

	h.sup.Bind("conv-a")
	timers := h.sched.waitTimers(t, 1)

	h.sup.Bind("conv-b")
	h.waitState(t, StateConnected)
	assert.True(t, timers[0].stopped, "switching conversations stops the pending timer")

	// Even if the stale timer races its cancellation and fires anyway, the
	// retry is dropped: no dial for the old conversation appears.
	h.sched.fire(0)
	time.Sleep(20 * time.Millisecond)
	dials := h.dialer.snapshot()
	assert.Len(t, dials, 2)
	assert.Equal(t, "conv-a", dials[0].conversationID)
	assert.Equal(t, "conv-b", dials[1].conversationID)
}

func TestSupervisorReconnectsOnTransportClose(t *testing.T) {
	h := newSupervisorHarness(Config{BaseDelay: time.Second, MaxRetries: 5}, nil)

	h.sup.Bind("conv-1")
	h.waitState(t, StateConnected)
	dials := h.dialer.waitDials(t, 1)

	dials[0].cbs.OnClose(errors.New("connection reset"))

	timers := h.sched.waitTimers(t, 1)
	assert.Equal(t, time.Second, timers[0].delay, "first retry after a drop starts the schedule over")
	st := h.sup.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Equal(t, 1, st.Attempts)

	h.sched.fire(0)
	st = h.waitState(t, StateConnected)
	assert.Equal(t, 0, st.Attempts, "a successful open resets the counter")
	assert.Len(t, h.dialer.snapshot(), 2)
}

func TestSupervisorForwardsEventsForCurrentBindingOnly(t *testing.T) {
	h := newSupervisorHarness(Config{}, nil)

	h.sup.Bind("conv-1")
	h.waitState(t, StateConnected)
	dials := h.dialer.waitDials(t, 1)

	dials[0].cbs.OnEvent(Event{Type: EventStreamStart, MessageID: "m1"})
	dials[0].cbs.OnEvent(Event{Type: EventStreamEnd, MessageID: "m1"})
	require.Eventually(t, func() bool { return h.eventCount() == 2 }, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, "conv-1", h.convs[0])
	h.mu.Unlock()

	h.sup.Unbind()
	assert.Equal(t, StateDisconnected, h.sup.Status().State)
	assert.True(t, dials[0].conn.isClosed())

	// Events from the stale binding no longer reach the handler.
	dials[0].cbs.OnEvent(Event{Type: EventStreamChunk, MessageID: "m1", Delta: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.eventCount())

	// Nor do stale closures schedule retries.
	dials[0].cbs.OnClose(errors.New("stale close"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sched.snapshot())
}

func TestSupervisorSendRequiresLiveChannel(t *testing.T) {
	h := newSupervisorHarness(Config{}, nil)

	assert.ErrorIs(t, h.sup.Send("hello"), ErrNotConnected)
	assert.ErrorIs(t, h.sup.SendCancel(), ErrNotConnected)

	h.sup.Bind("conv-1")
	h.waitState(t, StateConnected)
	require.NoError(t, h.sup.Send("hello"))
	require.NoError(t, h.sup.SendCancel())

	dials := h.dialer.snapshot()
	assert.Equal(t, []string{"hello"}, dials[0].conn.sent)
	assert.Equal(t, 1, dials[0].conn.cancels)
}

func TestSupervisorMissingCredentialEntersBackoff(t *testing.T) {
	h := newSupervisorHarness(Config{BaseDelay: time.Second, MaxRetries: 5},
		func() (string, bool) { return "", false })

	h.sup.Bind("conv-1")

	timers := h.sched.waitTimers(t, 1)
	assert.Equal(t, time.Second, timers[0].delay)
	st := h.sup.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Empty(t, h.dialer.snapshot(), "no dial attempt without a credential")
}

func TestSupervisorRebindSameConversationIsIdempotent(t *testing.T) {
	h := newSupervisorHarness(Config{}, nil)

	h.sup.Bind("conv-1")
	h.waitState(t, StateConnected)
	h.sup.Bind("conv-1")

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.dialer.snapshot(), 1, "rebinding the live conversation does not redial")
	assert.Equal(t, StateConnected, h.sup.Status().State)
}
