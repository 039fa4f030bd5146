package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/pilot/pkg/session"
)

const (
	// DefaultMaxHistoryTokens bounds a continued transcript when the session
	// config does not.
	DefaultMaxHistoryTokens = 100_000
	// responseReserveTokens is kept free for the model's answer.
	responseReserveTokens = 4_000
	// compactKeepGroups is how many recent message groups survive compaction.
	compactKeepGroups = 5
)

// textTokens estimates tokens at four characters each.
func textTokens(s string) int {
	if s == "" {
		return 0
	}
	if n := len(s) / 4; n > 0 {
		return n
	}
	return 1
}

// messageTokens estimates one message, including a fixed overhead for the
// role and framing.
func messageTokens(m session.Message) int {
	n := 4 + textTokens(m.Content)
	for _, c := range m.ToolCalls {
		n += textTokens(c.Name) + textTokens(c.ID)
		if raw, err := json.Marshal(c.Arguments); err == nil && len(c.Arguments) > 0 {
			n += textTokens(string(raw))
		}
	}
	return n + textTokens(m.ToolCallID)
}

// historyTokens estimates a whole transcript.
func historyTokens(msgs []session.Message) int {
	n := 3
	for _, m := range msgs {
		n += messageTokens(m)
	}
	return n
}

func overBudget(msgs []session.Message, maxTokens int) bool {
	return historyTokens(msgs) > maxTokens-responseReserveTokens
}

// groupMessages splits a transcript into units that are kept or dropped
// together: an assistant message with tool calls travels with the tool
// results that answer it.
func groupMessages(msgs []session.Message) [][]session.Message {
	var groups [][]session.Message
	for i := 0; i < len(msgs); {
		m := msgs[i]
		i++
		if m.Role != session.RoleAssistant || len(m.ToolCalls) == 0 {
			groups = append(groups, []session.Message{m})
			continue
		}
		ids := make(map[string]bool, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			ids[c.ID] = true
		}
		group := []session.Message{m}
		for i < len(msgs) && msgs[i].Role == session.RoleTool && ids[msgs[i].ToolCallID] {
			group = append(group, msgs[i])
			i++
		}
		groups = append(groups, group)
	}
	return groups
}

func splitSystem(msgs []session.Message) (*session.Message, []session.Message) {
	if len(msgs) > 0 && msgs[0].Role == session.RoleSystem {
		return &msgs[0], msgs[1:]
	}
	return nil, msgs
}

func flatten(groups [][]session.Message) []session.Message {
	var out []session.Message
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// compactHistory replaces all but the last keep groups with a one-line
// summary of the files and commands they touched. The summary is empty when
// the dropped groups held no tool calls worth naming.
func compactHistory(msgs []session.Message, keep int) ([]session.Message, string) {
	system, rest := splitSystem(msgs)
	groups := groupMessages(rest)
	if len(groups) <= keep {
		return msgs, ""
	}
	old, recent := groups[:len(groups)-keep], groups[len(groups)-keep:]

	read := map[string]bool{}
	edited := map[string]bool{}
	var commands, searches []string
	for _, g := range old {
		for _, m := range g {
			for _, c := range m.ToolCalls {
				switch c.Name {
				case "view":
					if p := stringArg(c.Arguments, "path"); p != "" {
						read[p] = true
					}
				case "create", "edit":
					if p := stringArg(c.Arguments, "path"); p != "" {
						edited[p] = true
					}
				case "bash":
					if cmd := clip(stringArg(c.Arguments, "command"), 50); cmd != "" {
						commands = append(commands, cmd)
					}
				case "grep", "glob":
					if p := clip(stringArg(c.Arguments, "pattern"), 30); p != "" {
						searches = append(searches, c.Name+":"+p)
					}
				}
			}
		}
	}

	var parts []string
	if len(read) > 0 {
		parts = append(parts, "Files read: "+strings.Join(firstN(sortedKeys(read), 10), ", "))
	}
	if len(edited) > 0 {
		parts = append(parts, "Files edited: "+strings.Join(firstN(sortedKeys(edited), 10), ", "))
	}
	if len(commands) > 0 {
		parts = append(parts, "Commands: "+strings.Join(firstN(commands, 5), "; "))
	}
	if len(searches) > 0 {
		parts = append(parts, "Searches: "+strings.Join(firstN(searches, 5), ", "))
	}

	var out []session.Message
	if system != nil {
		out = append(out, *system)
	}
	summary := ""
	if len(parts) > 0 {
		summary = "[Prior context: " + strings.Join(parts, "; ") + "]"
		out = append(out, session.Message{Role: session.RoleSystem, Content: summary})
	}
	return append(out, flatten(recent)...), summary
}

// truncateHistory keeps the system message and the newest groups that fit
// in maxTokens less the response reserve. The newest group always stays.
// It returns the kept transcript and the estimated tokens dropped.
func truncateHistory(msgs []session.Message, maxTokens int) ([]session.Message, int) {
	if len(msgs) == 0 {
		return msgs, 0
	}
	system, rest := splitSystem(msgs)
	budget := maxTokens - responseReserveTokens
	if system != nil {
		budget -= messageTokens(*system)
	}

	groups := groupMessages(rest)
	start := len(groups)
	used := 0
	for i := len(groups) - 1; i >= 0; i-- {
		n := 0
		for _, m := range groups[i] {
			n += messageTokens(m)
		}
		if used+n > budget && start < len(groups) {
			break
		}
		used += n
		start = i
		if used > budget {
			break
		}
	}

	var out []session.Message
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, flatten(groups[start:])...)
	return out, historyTokens(msgs) - historyTokens(out)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// describeDrop is the note shown when truncation removed part of the
// transcript.
func describeDrop(tokens int) string {
	return fmt.Sprintf("Truncated %d tokens from conversation history", tokens)
}
