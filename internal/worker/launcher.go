package worker

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/loykin/nodeactuator/internal/logger"
	"github.com/loykin/nodeactuator/internal/shell"
)

// Spec describes how to launch the worker.
type Spec struct {
	Name    string        `mapstructure:"name"`
	Command string        `mapstructure:"command"`
	WorkDir string        `mapstructure:"workdir"`
	Env     []string      `mapstructure:"env"` // fully merged "K=V" list; empty inherits ours
	Log     logger.Config `mapstructure:"log"`
}

// channelFD is where ExtraFiles[0] lands in the child.
const channelFD = 3

// Launcher spawns detached workers from a Spec.
type Launcher struct {
	spec   Spec
	logger *slog.Logger
}

func NewLauncher(spec Spec, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Name == "" {
		spec.Name = "worker"
	}
	return &Launcher{spec: spec, logger: logger}
}

// Spawn starts the worker in its own session with stdio inherited (or rotated to
// files) and a control channel on fd 3. emit receives the worker's messages,
// channel errors and its exit.
func (l *Launcher) Spawn(emit func(Event)) (Handle, error) {
	parent, childEnd, err := newChannel()
	if err != nil {
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	cmd := shell.Command(l.spec.Command)
	if l.spec.WorkDir != "" {
		cmd.Dir = l.spec.WorkDir
	}
	env := l.spec.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	cmd.Env = append(append([]string{}, env...), ChannelFDEnv+"="+strconv.Itoa(channelFD))
	cmd.ExtraFiles = []*os.File{childEnd}
	configureSysProcAttr(cmd)

	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	var closers []io.Closer
	if l.spec.Log.Enabled() {
		outW, errW, err := l.spec.Log.ProcessWriters(l.spec.Name)
		if err != nil {
			_ = parent.Close()
			_ = childEnd.Close()
			return nil, err
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = childEnd.Close()
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("start worker %q: %w", l.spec.Name, err)
	}
	// The child holds its own copy now.
	_ = childEnd.Close()

	c := &Child{
		cmd:        cmd,
		conn:       parent,
		readerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		closers:    closers,
	}
	l.logger.Info("worker spawned", "name", l.spec.Name, "pid", c.PID())
	go c.read(emit)
	go c.wait(emit)
	return c, nil
}
