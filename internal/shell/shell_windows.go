//go:build windows

package shell

func shellArgv(script string) []string { return []string{"cmd", "/c", script} }

func trueArgv() []string { return []string{"cmd", "/c", "rem"} }
