// Package probe finds and force-terminates OS processes that carry the worker's identity.
package probe

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descriptor describes one running OS process matching the worker identity.
type Descriptor struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Cmdline   string    `json:"cmdline"`
	StartedAt time.Time `json:"started_at"`
}

// Probe enumerates worker processes on the host.
// Implementations must be safe for concurrent use.
type Probe interface {
	// Find returns the matching processes in enumeration order. The result is
	// produced fresh on every call.
	Find(ctx context.Context) ([]Descriptor, error)
	// Kill force-terminates every matching process. Best-effort.
	Kill(ctx context.Context)
}

// ProcessProbe matches processes by name or command line using gopsutil.
type ProcessProbe struct {
	// Match is compared against the process name and the executable base name.
	// A Match containing whitespace or a path separator is a command line
	// pattern instead and is searched for as a substring of the full command
	// line, so a bare name never matches processes that only mention it as an
	// argument (tail -f SubstratumNode.log).
	Match  string
	Logger *slog.Logger

	self int32
}

func New(match string, logger *slog.Logger) *ProcessProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessProbe{Match: strings.TrimSpace(match), Logger: logger, self: int32(os.Getpid())}
}

func (p *ProcessProbe) Find(ctx context.Context) ([]Descriptor, error) {
	procs, err := p.matching(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(procs))
	for _, m := range procs {
		out = append(out, Descriptor{
			PID:       int(m.proc.Pid),
			Name:      m.name,
			Cmdline:   m.cmdline,
			StartedAt: startTime(ctx, m.proc),
		})
	}
	return out, nil
}

func (p *ProcessProbe) Kill(ctx context.Context) {
	procs, err := p.matching(ctx)
	if err != nil {
		p.Logger.Warn("kill by identity: enumerate processes", "match", p.Match, "error", err)
		return
	}
	for _, m := range procs {
		if err := m.proc.KillWithContext(ctx); err != nil {
			p.Logger.Warn("kill by identity failed", "pid", m.proc.Pid, "error", err)
			continue
		}
		p.Logger.Info("killed worker process", "pid", m.proc.Pid, "name", m.name)
	}
}

type match struct {
	proc    *gopsproc.Process
	name    string
	cmdline string
}

func (p *ProcessProbe) matching(ctx context.Context) ([]match, error) {
	if p.Match == "" {
		return nil, nil
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []match
	for _, proc := range procs {
		if proc.Pid == p.self {
			continue
		}
		// Processes can vanish mid-enumeration; missing fields just fail to match.
		name, _ := proc.NameWithContext(ctx)
		cmdline, _ := proc.CmdlineWithContext(ctx)
		if !p.matches(name, cmdline) {
			continue
		}
		if zombie(ctx, proc) {
			continue
		}
		out = append(out, match{proc: proc, name: name, cmdline: cmdline})
	}
	return out, nil
}

func (p *ProcessProbe) matches(name, cmdline string) bool {
	if name != "" && (name == p.Match || strings.TrimSuffix(name, ".exe") == p.Match) {
		return true
	}
	if cmdline == "" {
		return false
	}
	fields := strings.Fields(cmdline)
	if len(fields) > 0 && (fields[0] == p.Match || filepath.Base(fields[0]) == p.Match) {
		return true
	}
	return p.isPattern() && strings.Contains(cmdline, p.Match)
}

func (p *ProcessProbe) isPattern() bool {
	return strings.ContainsAny(p.Match, " \t/\\")
}

// Alive reports whether pid exists and is not a zombie.
func Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	proc, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	return !zombie(ctx, proc)
}

func zombie(ctx context.Context, proc *gopsproc.Process) bool {
	st, err := proc.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}
