//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts the worker in a new session so it is detached from
// our controlling terminal and survives our exit.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
