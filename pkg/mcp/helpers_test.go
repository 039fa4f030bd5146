package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

const fakeServerEnv = "PILOT_MCP_FAKE_SERVER"

// TestMain lets the test binary double as a fake stdio MCP server.
func TestMain(m *testing.M) {
	if os.Getenv(fakeServerEnv) == "1" {
		runFakeServer(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeServerSpec(name string) ServerSpec {
	return ServerSpec{
		Name:       name,
		ServerType: TypeStdio,
		Command:    os.Args[0],
		Env:        Vars{fakeServerEnv: "1"},
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func runFakeServer(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	enc := json.NewEncoder(out)

	reply := func(id interface{}, result interface{}) {
		_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
	}

	for scanner.Scan() {
		var req struct {
			ID     interface{}            `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]interface{}{"level": "info"}})
			reply(req.ID, map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]interface{}{"name": "fake", "version": "1.0"},
			})
		case "notifications/initialized":
		case "tools/list":
			reply(req.ID, map[string]interface{}{"tools": []map[string]interface{}{
				{
					"name":        "add",
					"description": "Add two numbers",
					"inputSchema": map[string]interface{}{
						"type":       "object",
						"properties": map[string]interface{}{"a": map[string]interface{}{"type": "number"}, "b": map[string]interface{}{"type": "number"}},
						"required":   []string{"a", "b"},
					},
				},
				{"name": "fail", "description": "Always fails"},
			}})
		case "tools/call":
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]interface{})
			switch name {
			case "add":
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				reply(req.ID, map[string]interface{}{"content": []map[string]interface{}{
					{"type": "text", "text": fmt.Sprintf("%g", a+b)},
				}})
			case "fail":
				reply(req.ID, map[string]interface{}{"isError": true, "content": []map[string]interface{}{
					{"type": "text", "text": "boom"},
				}})
			case "exit":
				os.Exit(0)
			default:
				_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -32602, "message": "unknown tool " + name}})
			}
		default:
			_ = enc.Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -32601, "message": "method not found"}})
		}
	}
}
