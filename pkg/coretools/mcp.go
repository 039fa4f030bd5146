package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/pilot/pkg/mcp"
	"github.com/harun/pilot/pkg/tools"
)

func mcpListServersTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "mcp_list_servers",
		Description: "List configured MCP servers with their connection status and tool count.",
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			servers := opts.MCP.ListServers()
			if len(servers) == 0 {
				return tools.Text("No MCP servers configured. Create a config file at one of: " +
					strings.Join(mcp.ConfigLocations, ", ") +
					"\n\nExample config:\n{\n  \"mcpServers\": {\n    \"example\": {\n      \"command\": \"npx\",\n      \"args\": [\"-y\", \"some-mcp-server\"]\n    }\n  }\n}"), nil
			}

			lines := []string{"Configured MCP servers:", ""}
			for _, srv := range servers {
				status := "not connected"
				if srv.Connected {
					status = fmt.Sprintf("connected (%d tools)", srv.ToolCount)
				}
				lines = append(lines, fmt.Sprintf("  %s [%s]: %s", srv.Name, srv.Type, status))
				if srv.Command != "" {
					lines = append(lines, "    command: "+strings.TrimSpace(srv.Command+" "+strings.Join(srv.Args, " ")))
				} else if srv.URL != "" {
					lines = append(lines, "    url: "+srv.URL)
				}
			}
			lines = append(lines, "", "Use mcp_list_tools to see available tools from a server.")
			return tools.Text(strings.Join(lines, "\n")), nil
		},
	}
}

func mcpListToolsTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "mcp_list_tools",
		Description: "List the tools an MCP server provides. Connects to the server if needed.",
		Parameters: []tools.Parameter{
			{Name: "server", Type: "string", Description: "Server name as configured in mcp.json", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			server, _ := args["server"].(string)
			list, err := opts.MCP.ListTools(ctx, server)
			if err != nil {
				return tools.Result{}, err
			}
			if len(list) == 0 {
				return tools.Text(fmt.Sprintf("Server '%s' has no tools available.", server)), nil
			}

			lines := []string{fmt.Sprintf("Tools from '%s' (%d total):", server, len(list)), ""}
			for _, t := range list {
				desc := t.Description
				if desc == "" {
					desc = "(no description)"
				}
				if len(desc) > 100 {
					desc = desc[:97] + "..."
				}
				lines = append(lines, "  - "+t.Name, "    "+desc)
				if params := describeParams(t.InputSchema); params != "" {
					lines = append(lines, "    params: "+params)
				}
				lines = append(lines, "")
			}
			lines = append(lines, "Use mcp_call to invoke a tool.")
			return tools.Text(strings.Join(lines, "\n")), nil
		},
	}
}

// describeParams renders "name*: type" pairs, * marking required ones.
func describeParams(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var doc struct {
		Properties map[string]struct {
			Type interface{} `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil || len(doc.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(doc.Required))
	for _, r := range doc.Required {
		required[r] = true
	}

	names := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if s, ok := doc.Properties[name].Type.(string); ok {
			typ = s
		}
		mark := ""
		if required[name] {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", name, mark, typ))
	}
	return strings.Join(parts, ", ")
}

func mcpCallTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "mcp_call",
		Description: "Call a tool on an MCP server. Use mcp_list_tools first to discover tools and their parameters.",
		Parameters: []tools.Parameter{
			{Name: "server", Type: "string", Description: "Server name as configured in mcp.json", Required: true},
			{Name: "tool", Type: "string", Description: "Name of the tool to call", Required: true},
			{Name: "arguments", Type: "object", Description: "Arguments passed to the tool"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (tools.Result, error) {
			server, _ := args["server"].(string)
			tool, _ := args["tool"].(string)
			callArgs, _ := args["arguments"].(map[string]interface{})
			if callArgs == nil {
				callArgs = map[string]interface{}{}
			}

			out, err := opts.MCP.CallTool(ctx, server, tool, callArgs)
			if err != nil {
				return tools.Result{}, err
			}
			return tools.Text(out), nil
		},
	}
}
