// Package actuator keeps the node status consistent with the worker process and
// host DNS mode. All state is owned by one event loop; see Run.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/nodeactuator/internal/dns"
	"github.com/loykin/nodeactuator/internal/history"
	"github.com/loykin/nodeactuator/internal/metrics"
	"github.com/loykin/nodeactuator/internal/probe"
	"github.com/loykin/nodeactuator/internal/status"
	"github.com/loykin/nodeactuator/internal/worker"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("actuator stopped")

var errAlreadyRunning = errors.New("actuator already running")

// Recorder receives presented status transitions.
type Recorder interface {
	Record(e history.Event) error
}

type options struct {
	logger    *slog.Logger
	recorder  Recorder
	adoptPoll time.Duration
	alive     func(pid int) bool
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRecorder exports every presented transition.
func WithRecorder(r Recorder) Option { return func(o *options) { o.recorder = r } }

// WithAdoptPoll sets how often adopted workers are checked for liveness. Zero disables polling.
func WithAdoptPoll(d time.Duration) Option { return func(o *options) { o.adoptPoll = d } }

// WithAliveCheck overrides the liveness check used for adopted workers.
func WithAliveCheck(fn func(pid int) bool) Option { return func(o *options) { o.alive = fn } }

// Actuator turns user intents and worker events into supervisor actions, DNS
// changes and presented statuses.
type Actuator struct {
	dns       dns.Provider
	presenter status.Presenter
	sup       *Supervisor
	rec       *Reconciler
	recorder  Recorder
	logger    *slog.Logger

	q       *queue
	current status.Status // loop-owned

	// Mirrors for readers outside the loop.
	state atomic.Int32
	pid   atomic.Int64

	dnsOps  sync.WaitGroup
	running atomic.Bool
	stopped chan struct{}
}

func New(p probe.Probe, d dns.Provider, sp worker.Spawner, pr status.Presenter, opts ...Option) *Actuator {
	o := &options{adoptPoll: time.Second}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.alive == nil {
		o.alive = func(pid int) bool { return probe.Alive(context.Background(), pid) }
	}
	a := &Actuator{
		dns:       d,
		presenter: pr,
		recorder:  o.recorder,
		logger:    o.logger,
		q:         newQueue(),
		stopped:   make(chan struct{}),
	}
	a.sup = newSupervisor(sp, p, a.emit, o)
	a.rec = &Reconciler{probe: p, dns: d, sup: a.sup, logger: o.logger}
	a.state.Store(int32(status.Off))
	return a
}

// Run drains the event loop until ctx is done. It must be called exactly once.
func (a *Actuator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(a.stopped)
	a.logger.Debug("actuator loop started")
	a.q.drain(ctx)
	a.logger.Debug("actuator loop stopped")
	return nil
}

// Current returns the last presented status.
func (a *Actuator) Current() status.Status { return status.Status(a.state.Load()) }

// PID returns the pid of the held worker, or 0.
func (a *Actuator) PID() int { return int(a.pid.Load()) }

// Wait blocks until every in-flight DNS operation has settled.
func (a *Actuator) Wait() { a.dnsOps.Wait() }

func (a *Actuator) RequestOff(ctx context.Context) error { return a.Request(ctx, status.Off) }

func (a *Actuator) RequestServing(ctx context.Context) error {
	return a.Request(ctx, status.Serving)
}

func (a *Actuator) RequestConsuming(ctx context.Context) error {
	return a.Request(ctx, status.Consuming)
}

// Request presents s at once, drives the supervisor toward it and starts the
// matching DNS change. A successful DNS change is followed by a reconcile; a
// failed one leaves the requested status in place. It returns once the intent
// has been handled, not when DNS has settled.
func (a *Actuator) Request(ctx context.Context, s status.Status) error {
	if !s.Valid() {
		return fmt.Errorf("request %q: %w", s, status.ErrUnknownStatus)
	}
	return a.do(ctx, func(lctx context.Context) { a.intent(lctx, s) })
}

// Reconcile derives the status from the host, presents it and returns it.
func (a *Actuator) Reconcile(ctx context.Context) (status.Status, error) {
	var s status.Status
	err := a.do(ctx, func(lctx context.Context) { s = a.reconcile(lctx) })
	return s, err
}

// Shutdown reverts DNS without waiting for it and stops the worker.
// Use Wait to block until the revert settled.
func (a *Actuator) Shutdown(ctx context.Context) error {
	return a.do(ctx, func(lctx context.Context) {
		a.logger.Info("shutting down node")
		a.async(context.WithoutCancel(lctx), "revert", a.dns.Revert, nil)
		a.sup.Stop(lctx)
	})
}

// do runs fn on the loop and waits until it returned.
func (a *Actuator) do(ctx context.Context, fn func(context.Context)) error {
	select {
	case <-a.stopped:
		return ErrStopped
	default:
	}
	done := make(chan struct{})
	a.post(func(lctx context.Context) {
		defer close(done)
		fn(lctx)
	})
	select {
	case <-done:
		return nil
	case <-a.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actuator) post(fn func(context.Context)) {
	a.q.post(func(ctx context.Context) {
		fn(ctx)
		a.pid.Store(int64(a.sup.pid()))
	})
}

// emit is handed to workers; it may be called from any goroutine.
func (a *Actuator) emit(e worker.Event) {
	a.post(func(ctx context.Context) { a.handleEvent(ctx, e) })
}

func (a *Actuator) intent(ctx context.Context, s status.Status) {
	metrics.IncIntent(s.String())
	a.logger.Info("status requested", "status", s)
	a.present(s, history.ReasonIntent)
	switch s {
	case status.Off:
		a.sup.Stop(ctx)
		a.async(ctx, "revert", a.dns.Revert, a.reconcileAfterDNS)
	case status.Serving:
		a.sup.Start(ctx)
		a.async(ctx, "revert", a.dns.Revert, a.reconcileAfterDNS)
	case status.Consuming:
		a.sup.Start(ctx)
		a.async(ctx, "subvert", a.dns.Subvert, a.reconcileAfterDNS)
	}
}

// async runs a DNS operation off the loop and posts then back with its result.
func (a *Actuator) async(ctx context.Context, op string, fn func(context.Context) error, then func(context.Context, string, error)) {
	a.dnsOps.Add(1)
	go func() {
		defer a.dnsOps.Done()
		err := fn(ctx)
		if then != nil {
			a.post(func(lctx context.Context) { then(lctx, op, err) })
		} else if err != nil {
			a.logger.Warn("dns "+op+" failed", "error", err)
		}
	}()
}

func (a *Actuator) reconcileAfterDNS(ctx context.Context, op string, err error) {
	if err != nil {
		a.logger.Warn("dns "+op+" failed, keeping requested status", "status", a.current, "error", err)
		return
	}
	a.reconcile(ctx)
}

func (a *Actuator) reconcile(ctx context.Context) status.Status {
	s := a.rec.Reconcile(ctx)
	metrics.IncReconcile(s.String())
	a.present(s, history.ReasonReconcile)
	return s
}

func (a *Actuator) handleEvent(ctx context.Context, e worker.Event) {
	if e.Handle != nil && !a.sup.Holds(e.Handle) {
		a.logger.Debug("dropping event from released worker", "kind", e.Kind, "pid", e.Handle.PID())
		return
	}
	switch {
	case e.IsCrash():
		a.crash(ctx, e)
	case e.Kind == worker.EventExit:
		metrics.IncExit(e.ExitCode)
		a.logger.Info("worker exited", "pid", a.sup.pid(), "code", e.ExitCode)
		a.sup.Clear()
		a.present(status.Off, history.ReasonExit)
	default:
		a.logger.Info("worker message", "message", e.Message)
	}
}

// crash recovers from a failed worker. The revert runs inline so that the
// follow-up reconcile completes before any later intent is handled.
func (a *Actuator) crash(ctx context.Context, e worker.Event) {
	metrics.IncCrash(e.CrashCause())
	args := []any{"cause", e.CrashCause()}
	if e.Handle != nil {
		args = append(args, "pid", e.Handle.PID())
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
	} else {
		args = append(args, "message", e.Message)
	}
	a.logger.Error("worker crashed", args...)
	a.sup.Clear()
	a.present(status.Off, history.ReasonCrash)
	if err := a.dns.Revert(ctx); err != nil {
		a.logger.Warn("dns revert after crash failed", "error", err)
	}
	a.reconcile(ctx)
}

func (a *Actuator) present(s status.Status, reason string) {
	prev := a.current
	a.current = s
	a.state.Store(int32(s))
	status.Apply(a.presenter, s)
	metrics.SetStatus(s.String())
	if prev == s {
		return
	}
	metrics.RecordTransition(prev.String(), s.String())
	if a.recorder != nil {
		if err := a.recorder.Record(history.NewTransition(prev.String(), s.String(), reason, a.sup.pid())); err != nil {
			a.logger.Debug("transition not recorded", "error", err)
		}
	}
}
