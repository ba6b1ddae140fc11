package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes one tool call. The returned value is marshalled to JSON
// and sent back to the agent verbatim.
type Handler func(ctx context.Context, input map[string]any) (any, error)

type entry struct {
	definition Definition
	schema     *jsonschema.Schema
	handler    Handler
}

// Registry dispatches agent function calls to handlers. Every registered
// handler must have a matching definition and vice versa; input schemas are
// compiled once at construction.
type Registry struct {
	byName map[string]entry
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger, definitions []Definition, handlers map[string]Handler) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := &Registry{byName: make(map[string]entry, len(definitions)), logger: logger}

	for i, def := range definitions {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("tool definition %d has no name", i)
		}
		if _, exists := registry.byName[name]; exists {
			return nil, fmt.Errorf("duplicate tool definition %q", name)
		}
		handler, ok := handlers[name]
		if !ok || handler == nil {
			return nil, fmt.Errorf("tool %q has a definition but no handler", name)
		}
		schema, err := compileSchema(name, def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("compile schema for tool %q: %w", name, err)
		}
		registry.byName[name] = entry{definition: def, schema: schema, handler: handler}
	}

	for name := range handlers {
		if _, ok := registry.byName[name]; !ok {
			return nil, fmt.Errorf("tool %q has a handler but no definition", name)
		}
	}
	return registry, nil
}

func compileSchema(name string, parameters json.RawMessage) (*jsonschema.Schema, error) {
	if len(parameters) == 0 {
		// No declared parameters means any input is accepted.
		return nil, nil
	}
	return jsonschema.CompileString(name+".schema.json", string(parameters))
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.byName))
	for _, name := range r.Names() {
		defs = append(defs, r.byName[name].definition)
	}
	return defs
}

// Execute runs the named tool against the raw JSON input and returns the
// JSON payload to send back to the agent. Execution failures of every kind,
// including unknown tools, invalid input, handler errors, and handler panics,
// come back as a {"status":"error","message":...} payload rather than an
// error, so a misbehaving tool can never take the call down.
func (r *Registry) Execute(ctx context.Context, name string, rawInput json.RawMessage) json.RawMessage {
	name = strings.TrimSpace(name)
	ent, ok := r.byName[name]
	if !ok {
		return errorPayload(fmt.Sprintf("unknown tool %q", name))
	}

	input := map[string]any{}
	if len(rawInput) > 0 {
		if err := json.Unmarshal(rawInput, &input); err != nil {
			return errorPayload("tool input is not a JSON object")
		}
	}

	if ent.schema != nil {
		var value any
		if len(rawInput) == 0 {
			value = map[string]any{}
		} else if err := json.Unmarshal(rawInput, &value); err != nil {
			return errorPayload("tool input is not valid JSON")
		}
		if err := ent.schema.Validate(value); err != nil {
			return errorPayload(fmt.Sprintf("invalid tool input: %v", err))
		}
	}

	result, err := r.run(ctx, name, ent.handler, input)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return errorPayload(err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("tool result not marshallable", "tool", name, "error", err)
		return errorPayload("tool produced an unserializable result")
	}
	return payload
}

func (r *Registry) run(ctx context.Context, name string, handler Handler, input map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", name, "panic", rec)
			err = fmt.Errorf("tool %q failed internally", name)
		}
	}()
	return handler(ctx, input)
}

func errorPayload(message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"status": "error", "message": message})
	return payload
}
