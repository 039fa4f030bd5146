package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ServerType is the transport an MCP server speaks.
type ServerType string

const (
	TypeStdio ServerType = "stdio"
	TypeHTTP  ServerType = "http"
	TypeSSE   ServerType = "sse"
)

// ConfigLocations are the files searched, in order, relative to the working
// directory. The first one that exists wins.
var ConfigLocations = []string{
	".pilot/mcp.json",
	"mcp.json",
	".vscode/mcp.json",
}

// Vars is a name/value map that decodes from either a JSON object or a list of
// {"name": ..., "value": ...} pairs.
type Vars map[string]string

func (v *Vars) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}

	if data[0] == '[' {
		var pairs []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(data, &pairs); err != nil {
			return err
		}
		out := make(Vars, len(pairs))
		for _, p := range pairs {
			out[p.Name] = p.Value
		}
		*v = out
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*v = m
	return nil
}

// ServerSpec describes one MCP server.
type ServerSpec struct {
	Name       string     `json:"name"`
	ServerType ServerType `json:"server_type"`
	// Type is the transport hint a client may send ("http" or "sse").
	Type    string   `json:"type,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     Vars     `json:"env,omitempty"`
	CWD     string   `json:"cwd,omitempty"`
	URL     string   `json:"url,omitempty"`
	Headers Vars     `json:"headers,omitempty"`
}

// Classify decides the transport from the shape of the spec: a command means
// stdio, a url with type "sse" means sse, any other url means http.
func Classify(s ServerSpec) (ServerType, error) {
	switch {
	case s.Command != "":
		return TypeStdio, nil
	case s.URL != "" && (strings.EqualFold(s.Type, string(TypeSSE)) || s.ServerType == TypeSSE):
		return TypeSSE, nil
	case s.URL != "":
		return TypeHTTP, nil
	default:
		return "", fmt.Errorf("mcp server %q has neither command nor url", s.Name)
	}
}

// Normalize classifies every spec and drops the ones that cannot be
// classified or have no name. Later duplicates replace earlier ones.
func Normalize(specs []ServerSpec) ([]ServerSpec, []error) {
	var problems []error
	index := make(map[string]int, len(specs))
	out := make([]ServerSpec, 0, len(specs))

	for _, s := range specs {
		if strings.TrimSpace(s.Name) == "" {
			problems = append(problems, fmt.Errorf("mcp server without a name"))
			continue
		}
		t, err := Classify(s)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		s.ServerType = t
		if i, dup := index[s.Name]; dup {
			out[i] = s
			continue
		}
		index[s.Name] = len(out)
		out = append(out, s)
	}
	return out, problems
}

// Equal reports whether two specs would start the same server.
func (s ServerSpec) Equal(o ServerSpec) bool {
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(o)
	return bytes.Equal(a, b)
}

// Clone returns a deep copy.
func (s ServerSpec) Clone() ServerSpec {
	c := s
	c.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		c.Env = make(Vars, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Headers != nil {
		c.Headers = make(Vars, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return c
}

// CloneAll deep-copies a spec list.
func CloneAll(specs []ServerSpec) []ServerSpec {
	if specs == nil {
		return nil
	}
	out := make([]ServerSpec, len(specs))
	for i, s := range specs {
		out[i] = s.Clone()
	}
	return out
}

type configFile struct {
	MCPServers map[string]ServerSpec `json:"mcpServers"`
	Servers    map[string]ServerSpec `json:"servers"`
}

// ParseConfig reads an mcp.json document. Both the "mcpServers" key and the
// editor-style "servers" key are accepted; map keys become server names.
func ParseConfig(data []byte) ([]ServerSpec, error) {
	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse mcp config: %w", err)
	}

	merged := make(map[string]ServerSpec, len(cf.MCPServers)+len(cf.Servers))
	for name, s := range cf.Servers {
		s.Name = name
		merged[name] = s
	}
	for name, s := range cf.MCPServers {
		s.Name = name
		merged[name] = s
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ServerSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, merged[name])
	}
	return specs, nil
}

// ReadConfigFile loads and normalizes the servers in path.
func ReadConfigFile(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	specs, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	normalized, _ := Normalize(specs)
	return normalized, nil
}

// FindConfigFile returns the first of ConfigLocations that exists under dir,
// or "" when none does.
func FindConfigFile(dir string) string {
	for _, rel := range ConfigLocations {
		p := filepath.Join(dir, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
