//go:build windows

package worker

import (
	"errors"
	"net"
	"os"
)

func newChannel() (net.Conn, *os.File, error) {
	return nil, nil, errors.New("worker control channel is not supported on windows")
}
