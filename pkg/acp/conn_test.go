package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePeer drives a Conn through a pair of pipes.
type pipePeer struct {
	conn  *Conn
	in    *io.PipeWriter
	lines *bufio.Scanner
	done  chan error
}

func newPipePeer(t *testing.T, register func(*Conn)) *pipePeer {
	t.Helper()

	peerIn, connOut := io.Pipe()
	connIn, peerOut := io.Pipe()

	conn := NewConn(NewStreamTransport(connIn, connOut), zerolog.Nop())
	if register != nil {
		register(conn)
	}

	p := &pipePeer{
		conn:  conn,
		in:    peerOut,
		lines: bufio.NewScanner(peerIn),
		done:  make(chan error, 1),
	}
	go func() {
		p.done <- conn.Serve(context.Background())
	}()
	t.Cleanup(func() {
		peerOut.Close()
		connOut.Close()
	})
	return p
}

func (p *pipePeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.in.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *pipePeer) next(t *testing.T) Message {
	t.Helper()
	require.True(t, p.lines.Scan(), "connection produced no output")
	var msg Message
	require.NoError(t, json.Unmarshal(p.lines.Bytes(), &msg))
	return msg
}

func TestConn_Requests(t *testing.T) {
	t.Run("should route requests and echo ids", func(t *testing.T) {
		p := newPipePeer(t, func(c *Conn) {
			require.NoError(t, c.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
				var in map[string]string
				require.NoError(t, json.Unmarshal(params, &in))
				return map[string]string{"said": in["say"]}, nil
			}))
		})

		p.send(t, `{"jsonrpc":"2.0","id":7,"method":"echo","params":{"say":"hi"}}`)
		msg := p.next(t)
		assert.Equal(t, "7", string(msg.ID))
		assert.Nil(t, msg.Error)
		assert.JSONEq(t, `{"said":"hi"}`, string(msg.Result))
	})

	t.Run("should answer parse errors with a null id", func(t *testing.T) {
		p := newPipePeer(t, nil)

		p.send(t, `{not json`)
		msg := p.next(t)
		assert.Equal(t, "null", string(msg.ID))
		require.NotNil(t, msg.Error)
		assert.Equal(t, ParseError, msg.Error.Code)
	})

	t.Run("should report unknown methods", func(t *testing.T) {
		p := newPipePeer(t, nil)

		p.send(t, `{"jsonrpc":"2.0","id":"a","method":"nope"}`)
		msg := p.next(t)
		require.NotNil(t, msg.Error)
		assert.Equal(t, MethodNotFound, msg.Error.Code)
		assert.Contains(t, msg.Error.Message, "nope")
	})

	t.Run("should turn handler panics into internal errors", func(t *testing.T) {
		p := newPipePeer(t, func(c *Conn) {
			require.NoError(t, c.RegisterMethod("explode", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
				panic("kaboom")
			}))
		})

		p.send(t, `{"jsonrpc":"2.0","id":1,"method":"explode"}`)
		msg := p.next(t)
		require.NotNil(t, msg.Error)
		assert.Equal(t, InternalError, msg.Error.Code)
		assert.Contains(t, msg.Error.Message, "kaboom")
	})

	t.Run("should not answer notifications", func(t *testing.T) {
		got := make(chan string, 1)
		p := newPipePeer(t, func(c *Conn) {
			require.NoError(t, c.RegisterMethod("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
				got <- string(params)
				return "pong", nil
			}))
			require.NoError(t, c.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
				return "echo", nil
			}))
		})

		p.send(t, `{"jsonrpc":"2.0","method":"ping","params":{"n":1}}`)
		select {
		case params := <-got:
			assert.JSONEq(t, `{"n":1}`, params)
		case <-time.After(2 * time.Second):
			t.Fatal("notification was not delivered")
		}

		p.send(t, `{"jsonrpc":"2.0","id":2,"method":"echo"}`)
		msg := p.next(t)
		assert.Equal(t, "2", string(msg.ID))
	})

	t.Run("should reject a nil handler", func(t *testing.T) {
		c := NewConn(NewStreamTransport(strings.NewReader(""), io.Discard), zerolog.Nop())
		assert.Error(t, c.RegisterMethod("x", nil))
	})
}

func TestConn_Call(t *testing.T) {
	t.Run("should correlate the response", func(t *testing.T) {
		p := newPipePeer(t, nil)

		type answer struct {
			Value string `json:"value"`
		}
		result := make(chan answer, 1)
		errc := make(chan error, 1)
		go func() {
			var a answer
			err := p.conn.Call(context.Background(), "client/ask", map[string]string{"q": "?"}, &a)
			result <- a
			errc <- err
		}()

		req := p.next(t)
		assert.Equal(t, "client/ask", req.Method)
		assert.True(t, strings.HasPrefix(string(req.ID), `"pilot-`))

		p.send(t, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"result":{"value":"42"}}`)
		require.NoError(t, <-errc)
		assert.Equal(t, "42", (<-result).Value)
	})

	t.Run("should return error replies", func(t *testing.T) {
		p := newPipePeer(t, nil)

		errc := make(chan error, 1)
		go func() {
			errc <- p.conn.Call(context.Background(), "client/ask", nil, nil)
		}()

		req := p.next(t)
		p.send(t, `{"jsonrpc":"2.0","id":`+string(req.ID)+`,"error":{"code":-32603,"message":"nope"}}`)

		err := <-errc
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "nope", rpcErr.Message)
	})

	t.Run("should give up when ctx ends", func(t *testing.T) {
		p := newPipePeer(t, nil)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			errc <- p.conn.Call(ctx, "client/ask", nil, nil)
		}()

		p.next(t)
		cancel()
		assert.ErrorIs(t, <-errc, context.Canceled)
	})

	t.Run("should fail once the peer is gone", func(t *testing.T) {
		p := newPipePeer(t, nil)

		p.in.Close()
		select {
		case err := <-p.done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("connection did not stop")
		}

		assert.ErrorIs(t, p.conn.Call(context.Background(), "client/ask", nil, nil), ErrConnClosed)
		assert.ErrorIs(t, p.conn.Notify(context.Background(), "client/note", nil), ErrConnClosed)
	})
}
