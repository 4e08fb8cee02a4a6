package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrToolNotFound is returned for names that are not registered.
var ErrToolNotFound = errors.New("tool not found")

// ValidationError reports input that does not satisfy a tool's schema.
type ValidationError struct {
	Tool   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %s", e.Tool, strings.Join(e.Errors, "; "))
}

type entry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool, replacing any tool already registered under the
// same name. The input schema must compile.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.TrimSpace(tool.Description()) == "" {
		return fmt.Errorf("tool %s: description cannot be empty", name)
	}

	schema, err := compileSchema(tool.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", name, err)
	}

	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = entry{tool: tool, schema: schema}
	r.mu.Unlock()

	if replaced {
		log.Debug().Str("tool", name).Msg("Tool replaced")
	} else {
		log.Debug().Str("tool", name).Msg("Tool registered")
	}
	return nil
}

// RegisterDefinition adapts def with NewTool and registers it.
func (r *Registry) RegisterDefinition(def Definition) error {
	tool, err := NewTool(def)
	if err != nil {
		return err
	}
	return r.Register(tool)
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	if t, ok := schema["type"]; ok && t != "object" {
		return nil, fmt.Errorf("top-level type must be object, got %v", t)
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// GetAll returns every registered tool sorted by name.
func (r *Registry) GetAll() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetByNames returns the registered tools among names, in the order given.
// Unknown and repeated names are skipped.
func (r *Registry) GetByNames(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if e, ok := r.tools[name]; ok {
			out = append(out, e.tool)
		}
	}
	return out
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks input against the named tool's schema.
func (r *Registry) Validate(name string, input map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return validateInput(name, e.schema, input)
}

func validateInput(name string, schema *gojsonschema.Schema, input map[string]any) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return &ValidationError{Tool: name, Errors: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Tool: name}
	for _, re := range result.Errors() {
		verr.Errors = append(verr.Errors, re.String())
	}
	return verr
}

// Catalog is a fixed view of a Registry taken by Snapshot. Later changes to
// the registry do not affect it.
type Catalog struct {
	order   []Tool
	entries map[string]entry
}

// Snapshot captures the tools named in names, in that order, or every
// registered tool sorted by name when names is empty. Unknown names are
// skipped.
func (r *Registry) Snapshot(names []string) *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Catalog{entries: make(map[string]entry)}
	add := func(name string) {
		if _, dup := c.entries[name]; dup {
			return
		}
		if e, ok := r.tools[name]; ok {
			c.entries[name] = e
			c.order = append(c.order, e.tool)
		}
	}

	if len(names) == 0 {
		all := make([]string, 0, len(r.tools))
		for name := range r.tools {
			all = append(all, name)
		}
		sort.Strings(all)
		names = all
	}
	for _, name := range names {
		add(name)
	}
	return c
}

// Tools returns the captured tools.
func (c *Catalog) Tools() []Tool {
	return append([]Tool(nil), c.order...)
}

// Get returns the captured tool named name.
func (c *Catalog) Get(name string) (Tool, bool) {
	e, ok := c.entries[name]
	return e.tool, ok
}

// Len returns the number of captured tools.
func (c *Catalog) Len() int {
	return len(c.order)
}

// Validate checks input against a captured tool's schema.
func (c *Catalog) Validate(name string, input map[string]any) error {
	e, ok := c.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return validateInput(name, e.schema, input)
}
