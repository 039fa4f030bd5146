package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the directory and file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "pilot.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should remove rotated files past max age", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "pilot.log")
		old := logFile + ".20200101-000000.000"
		require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
		past := time.Now().AddDate(0, 0, -30)
		require.NoError(t, os.Chtimes(old, past, past))

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(old)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	t.Run("should append within the size limit", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "pilot.log")
		rw, err := NewRotatingWriter(logFile, 1, 7, false)
		require.NoError(t, err)

		data := []byte("line\n")
		n, err := rw.Write(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)
		require.NoError(t, rw.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(content))
	})

	t.Run("should rotate once the file exceeds the limit", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "pilot.log")
		rw, err := NewRotatingWriter(logFile, 1, 0, false)
		require.NoError(t, err)

		chunk := []byte(strings.Repeat("x", 700*1024))
		_, err = rw.Write(chunk)
		require.NoError(t, err)
		_, err = rw.Write(chunk)
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		matches, err := filepath.Glob(filepath.Join(dir, "pilot.log.*"))
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("should compress rotated files", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "pilot.log")
		rw, err := NewRotatingWriter(logFile, 1, 0, true)
		require.NoError(t, err)

		chunk := []byte(strings.Repeat("y", 700*1024))
		_, _ = rw.Write(chunk)
		_, _ = rw.Write(chunk)
		require.NoError(t, rw.Close())

		matches, err := filepath.Glob(filepath.Join(dir, "pilot.log.*.gz"))
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("should fail after close", func(t *testing.T) {
		rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "pilot.log"), 1, 0, false)
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		_, err = rw.Write([]byte("late"))
		assert.Error(t, err)
	})
}
