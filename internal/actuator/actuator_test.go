package actuator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/nodeactuator/internal/dns"
	"github.com/loykin/nodeactuator/internal/history"
	"github.com/loykin/nodeactuator/internal/status"
	"github.com/loykin/nodeactuator/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	a      *Actuator
	j      *journal
	probe  *fakeProbe
	dns    *fakeDNS
	sp     *fakeSpawner
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	j := &journal{}
	p := &fakeProbe{}
	d := &fakeDNS{j: j, mode: dns.ModeReverted}
	sp := &fakeSpawner{probe: p}
	base := []Option{WithAdoptPoll(0), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	a := New(p, d, sp, j, append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{a: a, j: j, probe: p, dns: d, sp: sp, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- a.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.a.Wait()
		// The loop is gone; release adopted pollers directly.
		h.a.sup.Clear()
	})
}

// flush waits for in-flight DNS operations and for their completions to run on the loop.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	h.a.Wait()
	require.NoError(t, h.a.do(context.Background(), func(context.Context) {}))
}

// handle reads the held handle on the loop.
func (h *harness) handle(t *testing.T) worker.Handle {
	t.Helper()
	var hd worker.Handle
	require.NoError(t, h.a.do(context.Background(), func(context.Context) { hd = h.a.sup.Handle() }))
	return hd
}

func (h *harness) reconcile(t *testing.T) status.Status {
	t.Helper()
	s, err := h.a.Reconcile(context.Background())
	require.NoError(t, err)
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func applied(s status.Status) []string {
	j := &journal{}
	status.Apply(j, s)
	return j.snapshot()
}

func TestDecidePrecedence(t *testing.T) {
	cases := []struct {
		found, subverted bool
		want             status.Status
	}{
		{true, true, status.Consuming},
		{true, false, status.Serving},
		{false, true, status.Invalid},
		{false, false, status.Off},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Decide(c.found, c.subverted), "found=%v subverted=%v", c.found, c.subverted)
	}
}

func TestReconcileScenarios(t *testing.T) {
	cases := []struct {
		name  string
		pids  []int
		mode  string
		want  status.Status
		calls []string
		pid   int
	}{
		{"no process, reverted", nil, dns.ModeReverted, status.Off,
			[]string{"label:Off", "clear", "active:off", "invalid:false"}, 0},
		{"process, reverted", []int{77}, dns.ModeReverted, status.Serving,
			[]string{"label:Serving", "clear", "active:serving", "invalid:false"}, 77},
		{"process, subverted", []int{77}, "DNS is subverted", status.Consuming,
			[]string{"label:Consuming", "clear", "active:consuming", "invalid:false"}, 77},
		{"no process, subverted", nil, dns.ModeSubverted, status.Invalid,
			[]string{"label:" + status.InvalidLabel, "invalid:true", "clear"}, 0},
		{"first match wins", []int{81, 80, 82}, "", status.Serving,
			[]string{"label:Serving", "clear", "active:serving", "invalid:false"}, 81},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			h.probe.set(c.pids...)
			h.dns.setMode(c.mode)
			got := h.reconcile(t)
			assert.Equal(t, c.want, got)
			assert.Equal(t, c.calls, h.j.snapshot())
			assert.Equal(t, c.pid, h.a.PID())
			assert.Equal(t, c.want, h.a.Current())
			assert.Zero(t, h.sp.spawns(), "reconcile must never spawn")
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	h := newHarness(t)
	h.probe.set(5)
	h.dns.setMode(dns.ModeSubverted)

	first := h.reconcile(t)
	calls1 := h.j.snapshot()
	second := h.reconcile(t)
	calls2 := h.j.since(len(calls1))

	assert.Equal(t, first, second)
	assert.Equal(t, calls1, calls2)
}

func TestProbeErrorMeansNoProcess(t *testing.T) {
	h := newHarness(t)
	h.probe.err = errors.New("proc table unavailable")
	h.dns.setMode(dns.ModeSubverted)
	assert.Equal(t, status.Invalid, h.reconcile(t))
}

func TestStartIsNoopWhenHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestServing(ctx))
	h.flush(t)
	first := h.sp.last()
	require.NotNil(t, first)
	assert.Equal(t, first.pid, h.a.PID(), "reconcile keeps the spawned handle")

	require.NoError(t, h.a.RequestConsuming(ctx))
	h.flush(t)
	assert.Equal(t, 1, h.sp.spawns())
	assert.Same(t, first, h.handle(t))
	assert.Equal(t, []string{worker.MsgStart}, first.messages())
	assert.Equal(t, status.Consuming, h.a.Current())
}

func TestStopWithoutHandleKillsByIdentity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.a.RequestOff(context.Background()))
	h.flush(t)
	assert.Equal(t, 1, h.probe.killCount())
	assert.Equal(t, status.Off, h.a.Current())
}

func TestStopControlledSendsStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestServing(ctx))
	h.flush(t)
	child := h.sp.last()

	require.NoError(t, h.a.RequestOff(ctx))
	assert.Nil(t, h.handle(t), "handle is released immediately")
	assert.Equal(t, []string{worker.MsgStart, worker.MsgStop}, child.messages())
	assert.Zero(t, h.probe.killCount())
}

func TestStopAdoptedKillsByIdentity(t *testing.T) {
	h := newHarness(t)
	h.probe.set(77)
	require.Equal(t, status.Serving, h.reconcile(t))

	require.NoError(t, h.a.RequestOff(context.Background()))
	h.flush(t)
	assert.Equal(t, 1, h.probe.killCount())
	assert.Equal(t, status.Off, h.a.Current())
	assert.Zero(t, h.a.PID())
}

func TestStopFallsBackToKillWhenSendFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestServing(ctx))
	h.flush(t)
	h.sp.last().setSendErr(errors.New("broken pipe"))

	require.NoError(t, h.a.RequestOff(ctx))
	assert.Equal(t, 1, h.probe.killCount())
}

// Scenario 5: optimistic Consuming, spawn, subvert, then confirmation.
func TestRequestConsumingFromOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, status.Off, h.reconcile(t))
	mark := h.j.len()

	require.NoError(t, h.a.RequestConsuming(ctx))
	assert.Equal(t, status.Consuming, h.a.Current())
	calls := h.j.since(mark)
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, applied(status.Consuming), calls[:4], "optimistic status is shown first")
	assert.Equal(t, 1, h.sp.spawns())

	h.flush(t)
	_, subverts := h.dns.counts()
	assert.Equal(t, 1, subverts)
	assert.Equal(t, status.Consuming, h.a.Current())
	tail := h.j.since(mark)
	assert.Equal(t, applied(status.Consuming), tail[len(tail)-4:], "reconcile re-confirms Consuming")
}

// Scenario 6 plus the crash ordering guarantee.
func TestCrashMarkerRevertsBeforeNextIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestConsuming(ctx))
	h.flush(t)
	child := h.sp.last()
	reverts0, _ := h.dns.counts()

	gate := make(chan struct{})
	h.dns.mu.Lock()
	h.dns.revertGate = gate
	h.dns.mu.Unlock()
	h.probe.set() // the crashed worker is gone
	mark := h.j.len()

	h.sp.emit(worker.Event{Kind: worker.EventMessage, Message: worker.ErrorMarker + "disk full", Handle: child})
	waitUntil(t, 2*time.Second, func() bool { return indexOf(h.j.since(mark), "revert") >= 0 })

	intentDone := make(chan error, 1)
	go func() { intentDone <- h.a.RequestServing(ctx) }()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, -1, indexOf(h.j.since(mark), "label:Serving"), "intent must wait for the crash revert")

	close(gate)
	require.NoError(t, <-intentDone)
	h.dns.mu.Lock()
	h.dns.revertGate = nil
	h.dns.mu.Unlock()
	h.flush(t)

	calls := h.j.since(mark)
	off := indexOf(calls, "label:Off")
	rev := indexOf(calls, "revert")
	serving := indexOf(calls, "label:Serving")
	require.True(t, off >= 0 && rev >= 0 && serving >= 0, "calls: %v", calls)
	assert.Less(t, off, rev, "Off is shown before the revert")
	assert.Equal(t, applied(status.Off), calls[rev+1:rev+5], "reconcile follows the revert")
	assert.Less(t, rev+4, serving)

	reverts, _ := h.dns.counts()
	assert.Equal(t, reverts0+2, reverts, "one crash revert plus the Serving intent's revert")
}

func TestCrashEventRevertsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.a.RequestServing(context.Background()))
	h.flush(t)
	child := h.sp.last()
	reverts0, _ := h.dns.counts()
	h.probe.set()

	h.sp.emit(worker.Event{Kind: worker.EventError, Err: errors.New("spawn ENOENT"), Handle: child})
	// The exit that usually follows a crash comes from a released handle.
	h.sp.emit(worker.Event{Kind: worker.EventExit, ExitCode: 1, Handle: child})
	h.flush(t)

	reverts, _ := h.dns.counts()
	assert.Equal(t, reverts0+1, reverts)
	assert.Nil(t, h.handle(t))
	assert.Equal(t, status.Off, h.a.Current())
}

func TestSpawnFailureTakesCrashPath(t *testing.T) {
	h := newHarness(t)
	h.sp.err = errors.New("exec: not found")
	require.NoError(t, h.a.RequestServing(context.Background()))
	h.flush(t)

	assert.Nil(t, h.handle(t))
	assert.Equal(t, status.Off, h.a.Current())
	reverts, _ := h.dns.counts()
	assert.Equal(t, 2, reverts, "intent revert plus crash revert")
}

func TestExitClearsWithoutRevert(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.a.RequestServing(context.Background()))
	h.flush(t)
	child := h.sp.last()
	reverts0, _ := h.dns.counts()
	mark := h.j.len()

	h.sp.emit(worker.Event{Kind: worker.EventExit, ExitCode: 0, Handle: child})
	h.flush(t)

	reverts, _ := h.dns.counts()
	assert.Equal(t, reverts0, reverts)
	assert.Nil(t, h.handle(t))
	assert.Equal(t, status.Off, h.a.Current())
	assert.Equal(t, applied(status.Off), h.j.since(mark))
}

func TestStaleEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestServing(ctx))
	h.flush(t)
	old := h.sp.last()
	require.NoError(t, h.a.RequestOff(ctx))
	h.flush(t)
	mark := h.j.len()

	h.sp.emit(worker.Event{Kind: worker.EventMessage, Message: worker.ErrorMarker + "late", Handle: old})
	h.sp.emit(worker.Event{Kind: worker.EventExit, Handle: old})
	h.flush(t)
	assert.Empty(t, h.j.since(mark))
}

func TestWorkerMessagesAreOnlyLogged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.a.RequestServing(context.Background()))
	h.flush(t)
	mark := h.j.len()
	h.sp.emit(worker.Event{Kind: worker.EventMessage, Message: "listening on 80", Handle: h.sp.last()})
	h.flush(t)
	assert.Empty(t, h.j.since(mark))
	assert.NotNil(t, h.handle(t))
}

func TestDNSFailureKeepsOptimisticStatus(t *testing.T) {
	h := newHarness(t)
	h.dns.failSubvert = true
	require.NoError(t, h.a.RequestConsuming(context.Background()))
	h.flush(t)
	// Ground truth would be Serving; no rollback happens.
	assert.Equal(t, status.Consuming, h.a.Current())
}

func TestIntentClearsInvalid(t *testing.T) {
	h := newHarness(t)
	h.dns.setMode(dns.ModeSubverted)
	require.Equal(t, status.Invalid, h.reconcile(t))
	require.NoError(t, h.a.RequestOff(context.Background()))
	h.flush(t)
	assert.Equal(t, status.Off, h.a.Current())
}

func TestShutdownRevertsAndStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.a.RequestConsuming(ctx))
	h.flush(t)
	child := h.sp.last()
	reverts0, _ := h.dns.counts()

	require.NoError(t, h.a.Shutdown(ctx))
	h.a.Wait()
	reverts, _ := h.dns.counts()
	assert.Equal(t, reverts0+1, reverts)
	assert.Equal(t, []string{worker.MsgStart, worker.MsgStop}, child.messages())
	assert.Nil(t, h.handle(t))
}

func TestCallsAfterStopFail(t *testing.T) {
	h := newHarness(t)
	h.stop()
	assert.ErrorIs(t, h.a.RequestOff(context.Background()), ErrStopped)
	_, err := h.a.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, h.a.Run(context.Background()), "Run is single use")
}

func TestRequestRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.a.Request(context.Background(), status.Invalid), status.ErrUnknownStatus)
}

func TestAdoptedWorkerDisappearing(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	h := newHarness(t, WithAdoptPoll(5*time.Millisecond), WithAliveCheck(func(int) bool { return alive.Load() }))
	h.probe.set(4321)
	require.Equal(t, status.Serving, h.reconcile(t))
	reverts0, _ := h.dns.counts()

	h.probe.set()
	alive.Store(false)
	waitUntil(t, 2*time.Second, func() bool { return h.a.Current() == status.Off })
	h.flush(t)
	reverts, _ := h.dns.counts()
	assert.Equal(t, reverts0, reverts, "exit path never reverts")
	assert.Zero(t, h.a.PID())
}

func TestTransitionsAreRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, WithRecorder(rec))
	require.NoError(t, h.a.RequestServing(context.Background()))
	h.flush(t)

	events := rec.snapshot()
	require.Len(t, events, 1, "reconcile confirming Serving is not a transition")
	e := events[0]
	assert.Equal(t, history.EventTransition, e.Type)
	assert.Equal(t, "off", e.From)
	assert.Equal(t, "serving", e.To)
	assert.Equal(t, history.ReasonIntent, e.Reason)
}
