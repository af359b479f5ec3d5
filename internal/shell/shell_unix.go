//go:build !windows

package shell

// Absolute paths keep commands working when Env replaces PATH.
func shellArgv(script string) []string { return []string{"/bin/sh", "-c", script} }

func trueArgv() []string { return []string{"/bin/true"} }
