package agent

import (
	"strings"

	"github.com/harun/pilot/pkg/events"
)

// Plan entry statuses
const (
	PlanPending   = "pending"
	PlanCompleted = "completed"
)

// ParseTodo extracts checklist items from update_todo output.
func ParseTodo(output string) []events.PlanEntry {
	var entries []events.PlanEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- [x]"), strings.HasPrefix(line, "- [X]"):
			entries = append(entries, events.PlanEntry{
				Content:  strings.TrimSpace(line[5:]),
				Status:   PlanCompleted,
				Priority: "medium",
			})
		case strings.HasPrefix(line, "- [ ]"):
			entries = append(entries, events.PlanEntry{
				Content:  strings.TrimSpace(line[5:]),
				Status:   PlanPending,
				Priority: "medium",
			})
		}
	}
	return entries
}
