package workflow

import (
	"strings"
)

type Shell string

const (
	ShellBash Shell = "bash"
	ShellSh   Shell = "sh"
)

func (s Shell) Valid() bool {
	return s == ShellBash || s == ShellSh
}

// Args returns the argv that runs script so that the first failing command
// aborts the rest of the script.
func (s Shell) Args(script string) []string {
	if s == ShellSh {
		return []string{"sh", "-e", "-c", script}
	}
	return []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "-c", script}
}

// Commands splits a multi-line run block into its commands. Blank lines and
// comments are dropped and backslash continuations are joined.
func Commands(block string) []string {
	var (
		cmds    []string
		pending strings.Builder
	)

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if pending.Len() == 0 && (line == "" || strings.HasPrefix(line, "#")) {
			continue
		}

		if cont, ok := strings.CutSuffix(line, "\\"); ok {
			pending.WriteString(strings.TrimSpace(cont))
			pending.WriteString(" ")
			continue
		}

		pending.WriteString(line)
		cmds = append(cmds, strings.TrimSpace(pending.String()))
		pending.Reset()
	}

	if rest := strings.TrimSpace(pending.String()); rest != "" {
		cmds = append(cmds, rest)
	}

	return cmds
}
