package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/harun/pilot/pkg/tools"
)

const (
	defaultBashTimeout = 30 * time.Second
	bashMaxOutput      = 32000
)

func bashTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "bash",
		Description: "Run a shell command in the working directory and return its combined output.",
		Parameters: []tools.Parameter{
			{Name: "command", Type: "string", Description: "The bash command to run", Required: true},
			{Name: "description", Type: "string", Description: "Short description for logging"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 30)"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			command, _ := args["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return tools.Result{}, fmt.Errorf("command is required")
			}
			root, err := resolveWorkspaceRoot(ctx, opts)
			if err != nil {
				return tools.Result{}, err
			}

			timeout := opts.BashTimeout
			if secs, ok := args["timeout"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}
			description, _ := args["description"].(string)

			opts.Logger.Info().
				Str("command", command).
				Str("cwd", root).
				Str("description", description).
				Msg("Running command")
			return runBash(ctx, root, command, timeout)
		},
	}
}

// lockedBuffer lets stdout and stderr share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runBash(ctx context.Context, dir, command string, timeout time.Duration) (tools.Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	var out lockedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := truncateOutput(out.String())

	switch {
	case err == nil:
		return tools.Text(output), nil
	case ctx.Err() != nil:
		return tools.Result{}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return tools.Text(fmt.Sprintf("[timed out after %s]\n%s", timeout, output)), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return tools.Text(fmt.Sprintf("exit code %d\n%s", exitErr.ExitCode(), output)), nil
	}
	return tools.Result{}, fmt.Errorf("failed to run command: %w", err)
}

func truncateOutput(s string) string {
	if len(s) <= bashMaxOutput {
		return s
	}
	return s[:bashMaxOutput] + fmt.Sprintf("\n[truncated %d bytes]", len(s)-bashMaxOutput)
}
