package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/harun/pilot/pkg/tools"
)

const viewMaxBytes = 32000

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true, "venv": true,
}

func viewTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "view",
		Description: "View a file with line numbers, or list a directory two levels deep.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File or directory path (default: working directory)"},
			{Name: "view_range", Type: "array", Items: "integer", Description: "[start_line, end_line], 1-based; -1 as end means end of file"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			root, err := resolveWorkspaceRoot(ctx, opts)
			if err != nil {
				return tools.Result{}, err
			}
			pathValue, _ := args["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return tools.Result{}, err
			}

			info, err := os.Stat(target)
			if err != nil {
				return tools.Result{}, fmt.Errorf("path does not exist: %s", relPath(root, target))
			}
			if info.IsDir() {
				entries := listDirectory(root, target, 2)
				if len(entries) == 0 {
					return tools.Text("(empty directory)"), nil
				}
				return tools.Text(strings.Join(entries, "\n")), nil
			}

			start, end := 1, -1
			if raw, ok := args["view_range"].([]interface{}); ok && len(raw) >= 2 {
				if v, ok := raw[0].(float64); ok {
					start = int(v)
				}
				if v, ok := raw[1].(float64); ok {
					end = int(v)
				}
			}
			return viewFile(root, target, start, end)
		},
	}
}

func viewFile(root, target string, start, end int) (tools.Result, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return tools.Result{}, err
	}
	truncated := false
	if len(data) > viewMaxBytes {
		data = data[:viewMaxBytes]
		truncated = true
	}
	if !utf8.Valid(data) && !truncated {
		return tools.Text(fmt.Sprintf("(binary file: %s)", relPath(root, target))), nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	if start < 1 {
		start = 1
	}
	if end < 0 || end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i, strings.TrimRight(lines[i-1], "\r"))
	}
	if truncated {
		b.WriteString("\n[truncated]")
	}
	return tools.Text(b.String()), nil
}

// listDirectory lists dir up to maxDepth levels, directories first, skipping
// hidden entries and dependency folders.
func listDirectory(root, dir string, maxDepth int) []string {
	var entries []string
	var walk func(current string, depth int)
	walk = func(current string, depth int) {
		items, err := os.ReadDir(current)
		if err != nil {
			entries = append(entries, fmt.Sprintf("[permission denied: %s: %v]", relPath(root, current), err))
			return
		}
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].IsDir() != items[j].IsDir() {
				return items[i].IsDir()
			}
			return strings.ToLower(items[i].Name()) < strings.ToLower(items[j].Name())
		})
		for _, item := range items {
			name := item.Name()
			if strings.HasPrefix(name, ".") || ignoredDirs[name] {
				continue
			}
			path := filepath.Join(current, name)
			if item.IsDir() {
				entries = append(entries, relPath(root, path)+"/")
				if depth < maxDepth {
					walk(path, depth+1)
				}
				continue
			}
			entries = append(entries, relPath(root, path))
		}
	}
	walk(dir, 1)
	return entries
}

func createTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "create",
		Description: "Create a new file with the given content. Fails if the file exists; parent directories are created.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Path of the file to create", Required: true},
			{Name: "file_text", Type: "string", Description: "Content of the new file"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			root, err := resolveWorkspaceRoot(ctx, opts)
			if err != nil {
				return tools.Result{}, err
			}
			pathValue, _ := args["path"].(string)
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return tools.Result{}, err
			}
			text, _ := args["file_text"].(string)

			if _, err := os.Stat(target); err == nil {
				return tools.Result{}, fmt.Errorf("file already exists: %s. Use an edit tool to modify existing files", relPath(root, target))
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return tools.Result{}, err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			if err != nil {
				return tools.Result{}, err
			}
			if _, err := f.WriteString(text); err != nil {
				f.Close()
				return tools.Result{}, err
			}
			if err := f.Close(); err != nil {
				return tools.Result{}, err
			}

			opts.Logger.Debug().Str("path", target).Int("bytes", len(text)).Msg("File created")
			return tools.Text(fmt.Sprintf("Created file %s with %d characters", relPath(root, target), utf8.RuneCountInString(text))), nil
		},
	}
}
