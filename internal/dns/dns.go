// Package dns reports and changes whether host DNS is redirected through the node.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/nodeactuator/internal/metrics"
	"github.com/loykin/nodeactuator/internal/shell"
)

const (
	ModeSubverted = "subverted"
	ModeReverted  = "reverted"
)

// IsSubverted reports whether a mode string reported by a Provider means DNS
// is redirected. Any other value is treated as reverted.
func IsSubverted(mode string) bool { return strings.Contains(mode, ModeSubverted) }

// Provider reads and mutates host DNS configuration.
// Revert and Subvert block until the change settled; a nil error means success.
type Provider interface {
	Status(ctx context.Context) string
	Revert(ctx context.Context) error
	Subvert(ctx context.Context) error
}

// CommandProvider drives an external DNS utility through shell commands.
type CommandProvider struct {
	StatusCommand  string
	RevertCommand  string
	SubvertCommand string
	Env            []string
	Logger         *slog.Logger
}

func (c *CommandProvider) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Status runs the status command and returns its trimmed output.
// Failures are logged and reported as an empty (non-subverted) mode.
func (c *CommandProvider) Status(ctx context.Context) string {
	cmd := shell.CommandContext(ctx, c.StatusCommand)
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out, err := cmd.Output()
	if err != nil {
		c.log().Warn("dns status command failed", "command", c.StatusCommand, "error", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (c *CommandProvider) Revert(ctx context.Context) error {
	return c.run(ctx, "revert", c.RevertCommand)
}

func (c *CommandProvider) Subvert(ctx context.Context) error {
	return c.run(ctx, "subvert", c.SubvertCommand)
}

func (c *CommandProvider) run(ctx context.Context, op, command string) error {
	cmd := shell.CommandContext(ctx, command)
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		metrics.IncDNSOperation(op, false)
		return fmt.Errorf("dns %s: %w: %s", op, err, strings.TrimSpace(string(out)))
	}
	metrics.IncDNSOperation(op, true)
	c.log().Info("dns "+op+" complete", "command", command)
	return nil
}

var ErrInjected = errors.New("injected dns failure")

// Memory is an in-process Provider used for dry runs and tests.
type Memory struct {
	mu         sync.Mutex
	mode       string
	failRevert bool
	failSub    bool
	reverts    int
	subverts   int
}

func NewMemory(mode string) *Memory {
	if mode == "" {
		mode = ModeReverted
	}
	return &Memory{mode: mode}
}

func (m *Memory) Status(context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Memory) Revert(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reverts++
	if m.failRevert {
		metrics.IncDNSOperation("revert", false)
		return ErrInjected
	}
	m.mode = ModeReverted
	metrics.IncDNSOperation("revert", true)
	return nil
}

func (m *Memory) Subvert(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subverts++
	if m.failSub {
		metrics.IncDNSOperation("subvert", false)
		return ErrInjected
	}
	m.mode = ModeSubverted
	metrics.IncDNSOperation("subvert", true)
	return nil
}

// SetMode overrides the reported mode.
func (m *Memory) SetMode(mode string) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// FailNext makes later Revert/Subvert calls fail without changing the mode.
func (m *Memory) FailNext(revert, subvert bool) {
	m.mu.Lock()
	m.failRevert, m.failSub = revert, subvert
	m.mu.Unlock()
}

// Calls returns how many Revert and Subvert calls were made.
func (m *Memory) Calls() (reverts, subverts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reverts, m.subverts
}
