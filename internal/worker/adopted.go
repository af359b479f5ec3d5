package worker

import (
	"sync"
	"time"
)

// Adopted is a worker found on the host rather than spawned by us. It has no
// control channel; it can only be killed by identity.
type Adopted struct {
	pid  int
	stop chan struct{}
	once sync.Once
}

// Adopt wraps pid. When interval is positive, alive is polled and a single exit
// event is emitted once the process is gone. Close stops polling.
func Adopt(pid int, interval time.Duration, alive func(pid int) bool, emit func(Event)) *Adopted {
	a := &Adopted{pid: pid, stop: make(chan struct{})}
	if interval > 0 && alive != nil && emit != nil {
		go a.watch(interval, alive, emit)
	}
	return a
}

func (a *Adopted) PID() int          { return a.pid }
func (a *Adopted) Send(string) error { return ErrNoChannel }
func (a *Adopted) Controlled() bool  { return false }
func (a *Adopted) Close() error      { a.once.Do(func() { close(a.stop) }); return nil }

func (a *Adopted) watch(interval time.Duration, alive func(int) bool, emit func(Event)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
			if !alive(a.pid) {
				select {
				case <-a.stop:
				default:
					emit(Event{Kind: EventExit, ExitCode: -1, Handle: a})
				}
				return
			}
		}
	}
}
