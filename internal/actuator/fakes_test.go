package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loykin/nodeactuator/internal/dns"
	"github.com/loykin/nodeactuator/internal/history"
	"github.com/loykin/nodeactuator/internal/probe"
	"github.com/loykin/nodeactuator/internal/worker"
)

// journal is a shared, ordered log of presenter and DNS calls.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) since(n int) []string { return j.snapshot()[n:] }

func (j *journal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *journal) SetLabel(text string)      { j.add("label:" + text) }
func (j *journal) SetActiveButton(id string) { j.add("active:" + id) }
func (j *journal) ClearActiveButtons()       { j.add("clear") }
func (j *journal) SetInvalidMarker(on bool)  { j.add(fmt.Sprintf("invalid:%t", on)) }

func indexOf(entries []string, want string) int {
	for i, e := range entries {
		if e == want {
			return i
		}
	}
	return -1
}

type fakeProbe struct {
	mu    sync.Mutex
	procs []probe.Descriptor
	err   error
	kills int
}

func (p *fakeProbe) Find(context.Context) ([]probe.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return append([]probe.Descriptor(nil), p.procs...), nil
}

func (p *fakeProbe) Kill(context.Context) {
	p.mu.Lock()
	p.kills++
	p.procs = nil
	p.mu.Unlock()
}

func (p *fakeProbe) set(pids ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = nil
	for _, pid := range pids {
		p.procs = append(p.procs, probe.Descriptor{PID: pid, Name: "SubstratumNode"})
	}
}

func (p *fakeProbe) add(pid int) {
	p.mu.Lock()
	p.procs = append(p.procs, probe.Descriptor{PID: pid, Name: "SubstratumNode"})
	p.mu.Unlock()
}

func (p *fakeProbe) remove(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.procs[:0]
	for _, d := range p.procs {
		if d.PID != pid {
			kept = append(kept, d)
		}
	}
	p.procs = kept
}

func (p *fakeProbe) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeHandle struct {
	mu         sync.Mutex
	pid        int
	controlled bool
	sent       []string
	sendErr    error
	onStop     func()
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Send(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, msg)
	if msg == worker.MsgStop && h.onStop != nil {
		h.onStop()
	}
	return nil
}

func (h *fakeHandle) setSendErr(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

func (h *fakeHandle) Controlled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlled
}

func (h *fakeHandle) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// fakeSpawner hands out fakeHandles and makes spawned pids visible to the probe.
type fakeSpawner struct {
	mu      sync.Mutex
	probe   *fakeProbe
	err     error
	sendErr error
	handles []*fakeHandle
	emitFn  func(worker.Event)
}

func (s *fakeSpawner) Spawn(emit func(worker.Event)) (worker.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitFn = emit
	if s.err != nil {
		return nil, s.err
	}
	h := &fakeHandle{pid: 1000 + len(s.handles) + 1, controlled: true, sendErr: s.sendErr}
	s.handles = append(s.handles, h)
	if p := s.probe; p != nil {
		p.add(h.pid)
		h.onStop = func() { p.remove(h.pid) }
	}
	return h, nil
}

func (s *fakeSpawner) spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

func (s *fakeSpawner) emit(e worker.Event) {
	s.mu.Lock()
	fn := s.emitFn
	s.mu.Unlock()
	fn(e)
}

var errDNS = errors.New("dns tool failed")

// fakeDNS journals every call; Revert can be gated to hold the loop.
type fakeDNS struct {
	mu          sync.Mutex
	j           *journal
	mode        string
	failRevert  bool
	failSubvert bool
	reverts     int
	subverts    int
	revertGate  chan struct{}
}

func (d *fakeDNS) Status(context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *fakeDNS) Revert(ctx context.Context) error {
	d.j.add("revert")
	d.mu.Lock()
	gate := d.revertGate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reverts++
	if d.failRevert {
		return errDNS
	}
	d.mode = dns.ModeReverted
	return nil
}

func (d *fakeDNS) Subvert(context.Context) error {
	d.j.add("subvert")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subverts++
	if d.failSubvert {
		return errDNS
	}
	d.mode = dns.ModeSubverted
	return nil
}

func (d *fakeDNS) setMode(m string) {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
}

func (d *fakeDNS) counts() (reverts, subverts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reverts, d.subverts
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *fakeRecorder) Record(e history.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) snapshot() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}
