package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Result is what a tool returns for one Call.
//
// A result with MetaPrompt set asks the dispatcher to run a synthesis model
// call over MetaContext and substitute its answer for Output.
type Result struct {
	ID          string `json:"id"`
	Output      string `json:"output"`
	Error       bool   `json:"error,omitempty"`
	MetaPrompt  string `json:"meta_prompt,omitempty"`
	MetaContext string `json:"meta_context,omitempty"`
}

// IsMeta reports whether the result needs synthesis.
func (r Result) IsMeta() bool {
	return r.MetaPrompt != ""
}

// Text builds a successful result.
func Text(output string) Result {
	return Result{Output: output}
}

// Errorf builds an error result.
func Errorf(format string, args ...interface{}) Result {
	return Result{Output: fmt.Sprintf(format, args...), Error: true}
}

// Handler runs a tool. Returning an error is equivalent to returning an
// error result with the error text.
type Handler func(ctx context.Context, args map[string]interface{}) (Result, error)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	// Items is the element type when Type is "array".
	Items string `json:"items,omitempty"`
}

// Definition is a registered tool.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	// InputSchema, when set, is used verbatim instead of a schema built from
	// Parameters. Tools proxied from MCP servers carry their own schema.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Handler     Handler         `json:"-"`
}

// Spec is the provider-facing description of a tool.
type Spec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}
