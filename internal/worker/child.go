package worker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"
)

// exitDrain bounds how long an exit event waits for buffered messages to be delivered.
const exitDrain = 200 * time.Millisecond

// Child is a worker spawned by this process with a live control channel.
type Child struct {
	cmd  *exec.Cmd
	conn net.Conn

	mu     sync.Mutex
	closed bool

	readerDone chan struct{}
	exited     chan struct{}
	closers    []io.Closer
}

func (c *Child) PID() int { return c.cmd.Process.Pid }

func (c *Child) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Child) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoChannel
	}
	if _, err := c.conn.Write(encode(msg)); err != nil {
		return fmt.Errorf("send %q to worker %d: %w", msg, c.cmd.Process.Pid, err)
	}
	return nil
}

// Exited is closed once the worker process has been reaped.
func (c *Child) Exited() <-chan struct{} { return c.exited }

func (c *Child) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// read delivers every line from the channel until it closes.
func (c *Child) read(emit func(Event)) {
	defer close(c.readerDone)
	defer c.markClosed()
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		emit(Event{Kind: EventMessage, Message: decode(sc.Bytes()), Handle: c})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		emit(Event{Kind: EventError, Err: fmt.Errorf("control channel: %w", err), Handle: c})
	}
}

// wait reaps the process and reports its exit after pending messages.
func (c *Child) wait(emit func(Event)) {
	err := c.cmd.Wait()
	select {
	case <-c.readerDone:
	case <-time.After(exitDrain):
	}
	c.markClosed()
	_ = c.conn.Close()
	<-c.readerDone
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	close(c.exited)
	emit(Event{Kind: EventExit, ExitCode: exitCode(err), Err: err, Handle: c})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
