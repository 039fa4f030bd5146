package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/pilot/pkg/tools"
)

func updateTodoTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "update_todo",
		Description: "Track progress with a markdown checklist using '- [ ]' and '- [x]' items. Call it whenever the plan changes.",
		Parameters: []tools.Parameter{
			{Name: "todos", Type: "string", Description: "The full markdown checklist", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			todos, _ := args["todos"].(string)
			content, pending, completed := normalizeChecklist(todos)

			if opts.TodoFile != "" {
				root, err := resolveWorkspaceRoot(ctx, opts)
				if err != nil {
					return tools.Result{}, err
				}
				target, err := resolvePathInWorkspace(root, opts.TodoFile)
				if err != nil {
					return tools.Result{}, err
				}
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return tools.Result{}, err
				}
				if err := os.WriteFile(target, []byte(content), 0644); err != nil {
					return tools.Result{}, fmt.Errorf("failed to write todo list: %w", err)
				}
			}

			summary := "TODO list updated"
			if total := pending + completed; total > 0 {
				summary = fmt.Sprintf("TODO list updated: %d/%d completed", completed, total)
			}
			return tools.Text(summary + "\n\n" + content), nil
		},
	}
}

// normalizeChecklist trims every line and lowercases the completed marker.
func normalizeChecklist(todos string) (string, int, int) {
	lines := strings.Split(strings.TrimSpace(todos), "\n")
	pending, completed := 0, 0
	for i, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- [ ]"):
			pending++
		case strings.HasPrefix(line, "- [x]"), strings.HasPrefix(line, "- [X]"):
			completed++
			line = "- [x]" + line[5:]
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n"), pending, completed
}
