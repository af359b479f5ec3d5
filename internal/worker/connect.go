package worker

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
)

// Channel is the worker-side end of the control channel.
type Channel struct {
	conn net.Conn
	sc   *bufio.Scanner
	mu   sync.Mutex
}

// Connect opens the control channel inherited from the supervisor.
// It returns ErrNoChannel when the process was not started by one.
func Connect() (*Channel, error) {
	v := os.Getenv(ChannelFDEnv)
	if v == "" {
		return nil, ErrNoChannel
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s=%q", ChannelFDEnv, v)
	}
	f := os.NewFile(uintptr(fd), "control")
	if f == nil {
		return nil, fmt.Errorf("invalid control fd %d", fd)
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("open control channel: %w", err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Channel{conn: conn, sc: sc}, nil
}

func (c *Channel) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(encode(msg))
	return err
}

// Receive blocks for the next control message. It returns io.EOF once the supervisor side closed.
func (c *Channel) Receive() (string, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return decode(c.sc.Bytes()), nil
}

func (c *Channel) Close() error { return c.conn.Close() }
