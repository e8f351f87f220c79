package controller

import (
	"fmt"
	"strings"
)

// maxHistoryEntries bounds the rolling textual attempt history handed to
// the next attempt. Older entries fall off the front.
const maxHistoryEntries = 20

// attemptHistory is the only state that crosses iteration boundaries: a
// short, serializable textual log of this task's prior attempts. Nothing
// else is carried forward, so a confused attempt cannot poison later ones.
type attemptHistory struct {
	entries []string
}

// newAttemptHistory restores a history from its serialized form.
func newAttemptHistory(serialized string) *attemptHistory {
	h := &attemptHistory{}
	for _, line := range strings.Split(serialized, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			h.entries = append(h.entries, line)
		}
	}
	h.trim()
	return h
}

// add appends one attempt summary.
func (h *attemptHistory) add(attempt int, summary string) {
	summary = strings.ReplaceAll(strings.TrimSpace(summary), "\n", " ")
	h.entries = append(h.entries, fmt.Sprintf("attempt %d: %s", attempt, summary))
	h.trim()
}

func (h *attemptHistory) trim() {
	if len(h.entries) > maxHistoryEntries {
		h.entries = h.entries[len(h.entries)-maxHistoryEntries:]
	}
}

// text serializes the history for persistence and for the next attempt.
func (h *attemptHistory) text() string {
	return strings.Join(h.entries, "\n")
}

// summarizeReasons joins verdict reasons into one history line, capped so
// a noisy check cannot flood the context given to the next attempt.
func summarizeReasons(reasons []string) string {
	const maxReasons = 5
	if len(reasons) > maxReasons {
		reasons = append(append([]string{}, reasons[:maxReasons]...),
			fmt.Sprintf("(+%d more)", len(reasons)-maxReasons))
	}
	return strings.Join(reasons, "; ")
}

// knowledgeNotes renders consulted artifacts as plain text for the worker.
func knowledgeNotes(problems, solutions []string) string {
	if len(problems) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant prior solutions:\n")
	for i := range problems {
		fmt.Fprintf(&sb, "- problem: %s\n  solution: %s\n", problems[i], solutions[i])
	}
	return sb.String()
}
