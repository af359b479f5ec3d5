package actuator

import (
	"context"
	"log/slog"

	"github.com/loykin/nodeactuator/internal/dns"
	"github.com/loykin/nodeactuator/internal/probe"
	"github.com/loykin/nodeactuator/internal/status"
)

// Decide maps host facts to a status. First match wins:
// process+subverted is Consuming, process is Serving, subverted alone is
// Invalid, nothing is Off.
func Decide(processFound, subverted bool) status.Status {
	switch {
	case processFound && subverted:
		return status.Consuming
	case processFound:
		return status.Serving
	case subverted:
		return status.Invalid
	default:
		return status.Off
	}
}

// Reconciler derives the status from the live host and aligns the supervisor's handle with it.
type Reconciler struct {
	probe  probe.Probe
	dns    dns.Provider
	sup    *Supervisor
	logger *slog.Logger
}

// Reconcile queries the probe and DNS mode, adopts the first matching process
// (or releases the handle when none) and returns the derived status.
func (r *Reconciler) Reconcile(ctx context.Context) status.Status {
	procs, err := r.probe.Find(ctx)
	if err != nil {
		r.logger.Warn("process probe failed, assuming no worker", "error", err)
		procs = nil
	}
	subverted := dns.IsSubverted(r.dns.Status(ctx))
	s := Decide(len(procs) > 0, subverted)
	if len(procs) > 0 {
		r.sup.Adopt(procs[0].PID)
	} else {
		r.sup.Clear()
	}
	r.logger.Debug("reconciled", "status", s, "processes", len(procs), "subverted", subverted)
	return s
}
