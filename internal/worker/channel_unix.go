//go:build !windows

package worker

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// newChannel returns the parent's end as a net.Conn and the child's end as a file.
func newChannel() (net.Conn, *os.File, error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	pf := os.NewFile(uintptr(fds[0]), "control-parent")
	cf := os.NewFile(uintptr(fds[1]), "control-child")
	conn, err := net.FileConn(pf)
	_ = pf.Close()
	if err != nil {
		_ = cf.Close()
		return nil, nil, fmt.Errorf("wrap control channel: %w", err)
	}
	return conn, cf, nil
}
