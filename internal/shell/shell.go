// Package shell turns configured command strings into *exec.Cmd values.
//
// A shell is only involved when the string needs one: either it already starts
// with an explicit "sh -c" invocation, or it contains shell metacharacters.
// Everything else is split on whitespace and executed directly.
package shell

import (
	"context"
	"os/exec"
	"strings"
)

const metachars = "|&;<>*?`$\"'(){}[]~"

// Command builds an *exec.Cmd for cmdStr.
func Command(cmdStr string) *exec.Cmd {
	argv := Argv(cmdStr)
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}

// CommandContext is Command bound to ctx; the process is killed when ctx is done.
func CommandContext(ctx context.Context, cmdStr string) *exec.Cmd {
	argv := Argv(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, argv[0], argv[1:]...)
}

// Argv returns the argument vector Command would execute.
func Argv(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueArgv()
	}
	// Honor an explicit shell invocation without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellArgv(afterC)
	}
	if strings.ContainsAny(cmdStr, metachars) {
		return shellArgv(cmdStr)
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns
// (shellPath, afterCArg, true). One pair of surrounding quotes is stripped from
// the script so the shell parses it instead of treating it as a single word.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
