package coretools

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/tools"
	"github.com/rs/zerolog"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when the calling session has no working directory.
	WorkspaceRoot string
	// MCP enables the mcp_* tools.
	MCP *mcp.Manager
	// HTTPClient serves web_fetch. Defaults to a client with a 10s timeout.
	HTTPClient  *http.Client
	BashTimeout time.Duration
	// TodoFile is the checklist update_todo writes, relative to the working
	// directory. Empty disables writing.
	TodoFile string
	Logger   zerolog.Logger
}

// DefaultTodoFile is where update_todo keeps the checklist.
const DefaultTodoFile = ".pilot-todo.md"

// Register adds the builtin tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	if reg == nil {
		return fmt.Errorf("tool registry is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.BashTimeout <= 0 {
		opts.BashTimeout = defaultBashTimeout
	}
	opts.Logger = opts.Logger.With().Str("component", "coretools").Logger()

	defs := []tools.Definition{
		viewTool(opts),
		createTool(opts),
		bashTool(opts),
		updateTodoTool(opts),
		webFetchTool(opts),
	}
	if opts.MCP != nil {
		defs = append(defs,
			mcpListServersTool(opts),
			mcpListToolsTool(opts),
			mcpCallTool(opts),
		)
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func resolveWorkspaceRoot(ctx context.Context, opts Options) (string, error) {
	if dir := strings.TrimSpace(tools.WorkDir(ctx)); dir != "" {
		return filepath.Clean(dir), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("workspace root is not configured: %w", err)
	}
	return dir, nil
}

// resolvePathInWorkspace resolves pathValue against root and refuses paths
// that escape it.
func resolvePathInWorkspace(root, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func intArg(args map[string]interface{}, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
