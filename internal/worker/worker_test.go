package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/nodeactuator/internal/logger"
)

const helperEnv = "WORKER_HELPER_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

// runHelper is the worker side used when the test binary is re-executed.
func runHelper(mode string) int {
	ch, err := Connect()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = ch.Close() }()
	fmt.Println("helper up")
	if mode == "exit" {
		return 7
	}
	for {
		msg, err := ch.Receive()
		if err != nil {
			return 0
		}
		switch msg {
		case MsgStart:
			if mode == "crash" {
				_ = ch.Send(ErrorMarker + "boom")
				return 3
			}
			_ = ch.Send("started")
			_, _ = ch.conn.Write([]byte("raw line\n"))
		case MsgStop:
			_ = ch.Send("stopping")
			return 0
		}
	}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like OS")
	}
}

func helperLauncher(t *testing.T, mode string, log logger.Config) *Launcher {
	t.Helper()
	requireUnix(t)
	exe := os.Args[0]
	if strings.ContainsAny(exe, " \t'\"$&;|<>()*?`{}[]~") {
		t.Skipf("test binary path %q needs quoting", exe)
	}
	return NewLauncher(Spec{
		Name:    "helper",
		Command: exe,
		Env:     append(os.Environ(), helperEnv+"="+mode),
		Log:     log,
	}, nil)
}

func collect() (func(Event), <-chan Event) {
	ch := make(chan Event, 32)
	return func(e Event) { ch <- e }, ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for worker event")
	}
	return Event{}
}

func TestSpawnStartStop(t *testing.T) {
	emit, events := collect()
	h, err := helperLauncher(t, "echo", logger.Config{}).Spawn(emit)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !h.Controlled() || h.PID() <= 0 {
		t.Fatalf("fresh child must be controlled with a pid")
	}
	if err := h.Send(MsgStart); err != nil {
		t.Fatalf("send start: %v", err)
	}
	if e := next(t, events); e.Kind != EventMessage || e.Message != "started" || e.Handle != h {
		t.Fatalf("unexpected event %+v", e)
	}
	if e := next(t, events); e.Message != "raw line" {
		t.Fatalf("non-JSON lines must be delivered verbatim, got %q", e.Message)
	}
	if err := h.Send(MsgStop); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if e := next(t, events); e.Message != "stopping" {
		t.Fatalf("expected stopping, got %+v", e)
	}
	e := next(t, events)
	if e.Kind != EventExit || e.ExitCode != 0 {
		t.Fatalf("expected clean exit, got %+v", e)
	}
	if h.Controlled() {
		t.Fatalf("channel must be closed after exit")
	}
	if err := h.Send(MsgStop); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("send after exit: %v", err)
	}
}

func TestSpawnCrashMarker(t *testing.T) {
	emit, events := collect()
	h, err := helperLauncher(t, "crash", logger.Config{}).Spawn(emit)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	_ = h.Send(MsgStart)
	e := next(t, events)
	if !e.IsCrash() || e.CrashCause() != "marker" {
		t.Fatalf("expected crash marker, got %+v", e)
	}
	if e := next(t, events); e.Kind != EventExit || e.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %+v", e)
	}
}

func TestSpawnExitCodeAndLogRotation(t *testing.T) {
	dir := t.TempDir()
	emit, events := collect()
	h, err := helperLauncher(t, "exit", logger.Config{File: logger.FileConfig{Dir: dir}}).Spawn(emit)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	e := next(t, events)
	if e.Kind != EventExit || e.ExitCode != 7 || e.Handle != h {
		t.Fatalf("expected exit 7, got %+v", e)
	}
	b, err := os.ReadFile(filepath.Join(dir, "helper.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if !strings.Contains(string(b), "helper up") {
		t.Fatalf("stdout log missing output: %q", b)
	}
}

func TestSpawnFailure(t *testing.T) {
	requireUnix(t)
	l := NewLauncher(Spec{Command: "/definitely/not/here/worker"}, nil)
	h, err := l.Spawn(func(Event) {})
	if err == nil || h != nil {
		t.Fatalf("expected spawn error, got handle=%v err=%v", h, err)
	}
}

func TestConnectWithoutChannel(t *testing.T) {
	t.Setenv(ChannelFDEnv, "")
	if _, err := Connect(); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	t.Setenv(ChannelFDEnv, "x")
	if _, err := Connect(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAdoptedPollsLiveness(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	emit, events := collect()
	a := Adopt(4242, 5*time.Millisecond, func(int) bool { return alive.Load() }, emit)
	defer func() { _ = a.Close() }()
	if a.Controlled() || !errors.Is(a.Send(MsgStop), ErrNoChannel) {
		t.Fatalf("adopted handle must not be controlled")
	}
	alive.Store(false)
	e := next(t, events)
	if e.Kind != EventExit || e.Handle != a {
		t.Fatalf("expected exit for adopted handle, got %+v", e)
	}
}

func TestAdoptedCloseStopsPolling(t *testing.T) {
	emit, events := collect()
	a := Adopt(4242, 5*time.Millisecond, func(int) bool { return true }, emit)
	_ = a.Close()
	_ = a.Close()
	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEventIsCrash(t *testing.T) {
	cases := []struct {
		e    Event
		want bool
	}{
		{Event{Kind: EventError, Err: errors.New("x")}, true},
		{Event{Kind: EventMessage, Message: ErrorMarker + "bad"}, true},
		{Event{Kind: EventMessage, Message: "note: " + ErrorMarker}, false},
		{Event{Kind: EventMessage, Message: "hello"}, false},
		{Event{Kind: EventExit, ExitCode: 1}, false},
	}
	for _, c := range cases {
		if got := c.e.IsCrash(); got != c.want {
			t.Fatalf("IsCrash(%+v)=%v want %v", c.e, got, c.want)
		}
	}
}

func TestCodec(t *testing.T) {
	if got := string(encode(`say "hi"`)); got != "\"say \\\"hi\\\"\"\n" {
		t.Fatalf("encode: %q", got)
	}
	if got := decode([]byte(`"start"`)); got != "start" {
		t.Fatalf("decode json: %q", got)
	}
	if got := decode([]byte("plain text\r")); got != "plain text" {
		t.Fatalf("decode raw: %q", got)
	}
	if got := decode([]byte(`{"a":1}`)); got != `{"a":1}` {
		t.Fatalf("decode object: %q", got)
	}
}
