//go:build windows

package probe

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func startTime(ctx context.Context, proc *gopsproc.Process) time.Time {
	ms, err := proc.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
