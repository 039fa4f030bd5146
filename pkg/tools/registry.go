package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const maxOutput = 32 * 1024

// Registry maps tool names to definitions and their compiled schemas.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger zerolog.Logger
}

type entry struct {
	def    Definition
	doc    map[string]interface{}
	schema *gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: log.With().Str("component", "tools").Logger(),
	}
}

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	doc, err := schemaDocument(def)
	if err != nil {
		return fmt.Errorf("tool %s: %w", def.Name, err)
	}
	schema, err := compileSchema(doc)
	if err != nil {
		return fmt.Errorf("tool %s: failed to compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &entry{def: def, doc: doc, schema: schema}

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Replace registers def, overwriting any tool with the same name.
func (r *Registry) Replace(def Definition) error {
	r.Unregister(def.Name)
	return r.Register(def)
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	r.logger.Debug().Str("tool", name).Msg("Tool unregistered")
	return true
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs returns the provider-facing description of every tool, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, Spec{
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  e.doc,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks args against the schema of the named tool.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	return validateArgs(e.schema, args)
}

// Truncate shortens output that would flood the model context.
func Truncate(output string) string {
	if len(output) <= maxOutput {
		return output
	}
	cut := output[:maxOutput]
	// Back off a rune split by the cut.
	for i := 0; i < utf8.UTFMax && len(cut) > 0; i++ {
		if r, size := utf8.DecodeLastRuneInString(cut); r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return fmt.Sprintf("%s\n... [output truncated, %d bytes omitted]", cut, len(output)-len(cut))
}

// Describe renders the registry as "name: description" lines for prompts.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, spec := range r.Specs() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
	}
	return b.String()
}
