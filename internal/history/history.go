// Package history exports node status transitions to external audit stores.
// Nothing is ever read back.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of exported event.
type EventType string

const EventTransition EventType = "transition"

// Reasons a status was presented.
const (
	ReasonIntent    = "intent"
	ReasonReconcile = "reconcile"
	ReasonCrash     = "crash"
	ReasonExit      = "exit"
)

// Event is one presented status change.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	PID        int       `json:"pid"`
}

// NewTransition builds a transition event stamped with a fresh id and the current time.
func NewTransition(from, to, reason string, pid int) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventTransition,
		OccurredAt: time.Now().UTC(),
		From:       from,
		To:         to,
		Reason:     reason,
		PID:        pid,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

var ErrClosed = errors.New("history recorder closed")

// Recorder fans events out to sinks on a background goroutine so callers never
// block on a slow store. Events are dropped when the queue is full.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:  sinks,
		logger: logger,
		ch:     make(chan Event, defaultQueue),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e. It never blocks.
func (r *Recorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.ch <- e:
		return nil
	default:
		r.logger.Warn("history queue full, dropping event", "to", e.To, "reason", e.Reason)
		return nil
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "error", err, "id", e.ID)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits until queued ones are delivered or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
