package tools

import "context"

type workDirKey struct{}

// WithWorkDir records the working directory of the session a tool runs for.
func WithWorkDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workDirKey{}, dir)
}

// WorkDir returns the directory set by WithWorkDir, or "".
func WorkDir(ctx context.Context) string {
	dir, _ := ctx.Value(workDirKey{}).(string)
	return dir
}
