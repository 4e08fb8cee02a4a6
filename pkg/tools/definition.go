package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

var validParamTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// Parameter describes one top-level input property.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items is the element schema for array parameters.
	Items map[string]any `json:"items,omitempty"`
}

// Handler executes a Definition. A string return becomes the output as is;
// anything else is JSON encoded, and maps are also kept as Result.Data.
type Handler func(ctx context.Context, tc Context, input map[string]any) (any, error)

// Definition describes a tool as a parameter list and a handler func.
// Use NewTool or Registry.RegisterDefinition to turn it into a Tool.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

type definitionTool struct {
	def Definition
}

// NewTool adapts a Definition to the Tool interface.
func NewTool(def Definition) (Tool, error) {
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("tool %s: %w", def.Name, err)
	}
	params := make([]Parameter, len(def.Parameters))
	copy(params, def.Parameters)
	def.Parameters = params
	return &definitionTool{def: def}, nil
}

func (t *definitionTool) Name() string                { return t.def.Name }
func (t *definitionTool) Description() string         { return t.def.Description }
func (t *definitionTool) InputSchema() map[string]any { return t.def.Schema() }

func (t *definitionTool) Execute(ctx context.Context, input map[string]any, tc Context) (Result, error) {
	return t.def.execute(ctx, input, tc)
}

// Schema builds an object schema from the parameter list.
func (d Definition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	required := []string{}

	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" {
			if p.Items != nil {
				prop["items"] = p.Items
			} else {
				prop["items"] = map[string]any{}
			}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// execute runs the handler and converts its return value.
func (d Definition) execute(ctx context.Context, input map[string]any, tc Context) (Result, error) {
	out, err := d.Handler(ctx, tc, input)
	if err != nil {
		return Result{}, err
	}

	switch v := out.(type) {
	case nil:
		return OK(""), nil
	case string:
		return OK(v), nil
	case Result:
		return v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return Result{}, fmt.Errorf("encode output: %w", err)
		}
		return Result{Success: true, Output: string(data), Data: v}, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return OK(fmt.Sprintf("%v", v)), nil
		}
		return OK(string(data)), nil
	}
}

// validate checks the definition before registration.
func (d Definition) validate() error {
	if d.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}
