package acp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

// Transport moves whole JSON-RPC messages. ReadMessage returns io.EOF when
// the peer is gone.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// StreamTransport frames messages as newline-delimited JSON over a byte
// stream, typically stdin and stdout.
type StreamTransport struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	mu sync.Mutex
}

// NewStreamTransport reads from r and writes to w. If w is an io.Closer,
// Close closes it.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	t := &StreamTransport{
		r: bufio.NewReaderSize(r, 64*1024),
		w: w,
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// ReadMessage returns the next non-blank line. The read itself cannot be
// interrupted; ctx is only checked between lines.
func (t *StreamTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := t.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// WriteMessage writes data followed by a newline.
func (t *StreamTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := t.w.Write(buf)
	return err
}

// Close closes the writer when it is closable.
func (t *StreamTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
