// Package worker spawns the supervised worker process and talks to it over a
// private control channel.
package worker

import (
	"errors"
	"strings"
)

// Control messages understood by the worker.
const (
	MsgStart = "start"
	MsgStop  = "stop"
)

// ErrorMarker prefixes a worker message that reports a fatal command error.
const ErrorMarker = "Command returned error: "

// ChannelFDEnv names the environment variable carrying the control channel fd in the child.
const ChannelFDEnv = "NODE_ACTUATOR_CHANNEL_FD"

var ErrNoChannel = errors.New("worker has no control channel")

type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventExit:
		return "exit"
	}
	return "unknown"
}

// Event is something a worker reported or a change observed about it.
// Handle is nil when the worker could not be spawned at all.
type Event struct {
	Kind     EventKind
	Message  string
	Err      error
	ExitCode int
	Handle   Handle
}

// IsCrash reports whether the event means the worker failed: an error event or
// a message carrying ErrorMarker.
func (e Event) IsCrash() bool {
	switch e.Kind {
	case EventError:
		return true
	case EventMessage:
		return strings.HasPrefix(e.Message, ErrorMarker)
	}
	return false
}

// CrashCause labels a crash event for metrics.
func (e Event) CrashCause() string {
	if e.Kind == EventMessage {
		return "marker"
	}
	return "error"
}

// Handle refers to a worker process known to the supervisor.
type Handle interface {
	PID() int
	// Send delivers a control message. Handles without a channel return ErrNoChannel.
	Send(msg string) error
	// Controlled reports whether a live control channel exists.
	Controlled() bool
}

// Spawner starts a new worker and reports its events through emit.
// emit may be called from any goroutine.
type Spawner interface {
	Spawn(emit func(Event)) (Handle, error)
}
