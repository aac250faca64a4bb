package subagent

import (
	"strings"
)

// OutputLimits bounds the size of a task's assembled output.
type OutputLimits struct {
	MaxBytes int
	MaxLines int
}

const incompleteWarning = "WARNING: the agent finished without reporting a result through the " +
	"finish_task tool. The text below is best-effort accumulated output.\n\n"

// truncate cuts s to the byte and line budgets, preferring a line boundary
// when one exists inside the byte budget. Reports whether anything was cut.
func truncate(s string, lim OutputLimits) (string, bool) {
	truncated := false

	if lim.MaxLines > 0 {
		if lines := strings.Split(s, "\n"); len(lines) > lim.MaxLines {
			s = strings.Join(lines[:lim.MaxLines], "\n")
			truncated = true
		}
	}
	if lim.MaxBytes > 0 && len(s) > lim.MaxBytes {
		cut := s[:lim.MaxBytes]
		if i := strings.LastIndexByte(cut, '\n'); i > 0 {
			cut = cut[:i]
		}
		s = cut
		truncated = true
	}
	return s, truncated
}
