package actuator

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/nodeactuator/internal/metrics"
	"github.com/loykin/nodeactuator/internal/probe"
	"github.com/loykin/nodeactuator/internal/worker"
)

// Supervisor owns the single worker handle. It is not safe for concurrent use;
// the actuator loop is its only caller.
type Supervisor struct {
	spawner worker.Spawner
	probe   probe.Probe
	emit    func(worker.Event)
	alive   func(pid int) bool
	poll    time.Duration
	logger  *slog.Logger

	handle worker.Handle
}

func newSupervisor(sp worker.Spawner, p probe.Probe, emit func(worker.Event), o *options) *Supervisor {
	return &Supervisor{
		spawner: sp,
		probe:   p,
		emit:    emit,
		alive:   o.alive,
		poll:    o.adoptPoll,
		logger:  o.logger,
	}
}

// Handle returns the held worker handle or nil.
func (s *Supervisor) Handle() worker.Handle { return s.handle }

// Holds reports whether h is the currently held handle.
func (s *Supervisor) Holds(h worker.Handle) bool { return h != nil && s.handle == h }

func (s *Supervisor) pid() int {
	if s.handle == nil {
		return 0
	}
	return s.handle.PID()
}

// Start spawns the worker unless one is already held. Spawn and send failures
// are reported as error events so they take the crash path.
func (s *Supervisor) Start(ctx context.Context) {
	if s.handle != nil {
		s.logger.Debug("worker already held, start skipped", "pid", s.handle.PID())
		return
	}
	h, err := s.spawner.Spawn(s.emit)
	if err != nil {
		metrics.IncSpawn(false)
		s.logger.Error("worker spawn failed", "error", err)
		s.emit(worker.Event{Kind: worker.EventError, Err: err})
		return
	}
	metrics.IncSpawn(true)
	s.handle = h
	if err := h.Send(worker.MsgStart); err != nil {
		s.emit(worker.Event{Kind: worker.EventError, Err: err, Handle: h})
	}
}

// Stop asks the held worker to stop over its channel. Without a controllable
// handle every matching process is killed instead. The handle is released either way.
func (s *Supervisor) Stop(ctx context.Context) {
	h := s.handle
	s.Clear()
	if h != nil && h.Controlled() {
		err := h.Send(worker.MsgStop)
		if err == nil {
			metrics.IncStop("message")
			s.logger.Info("stop sent to worker", "pid", h.PID())
			return
		}
		s.logger.Warn("stop message failed, killing by identity", "pid", h.PID(), "error", err)
	}
	metrics.IncStop("kill")
	s.probe.Kill(ctx)
}

// Adopt makes pid the held worker. A held handle with the same pid is kept so
// a spawned child keeps its control channel.
func (s *Supervisor) Adopt(pid int) {
	if s.handle != nil && s.handle.PID() == pid {
		return
	}
	s.Clear()
	s.handle = worker.Adopt(pid, s.poll, s.alive, s.emit)
	s.logger.Info("adopted running worker", "pid", pid)
}

// Clear releases the held handle without touching the process.
func (s *Supervisor) Clear() {
	if c, ok := s.handle.(io.Closer); ok {
		_ = c.Close()
	}
	s.handle = nil
}
