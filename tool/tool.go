// Package tool defines the executable tool contract and the registry that
// dispatches model-requested tool calls.
//
// Tools enable node LLMs to act on the outside world: HTTP requests, state
// writes, escalations. The registry validates every input against the tool's
// JSON Schema before dispatch and bounds each call with the tool's timeout.
//
// Two synthetic tools short-circuit into the runtime instead of calling out:
// set_output writes a node output key, escalate_to_coder raises an
// escalation. They are real registry entries so the prompts that advertise
// them stay truthful.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hivekit/hive/model"
)

// DefaultTimeout bounds a tool call when the tool does not declare its own.
const DefaultTimeout = 60 * time.Second

// Registry errors.
var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Tool is an executable capability offered to node LLMs.
//
// Implementations should respect context cancellation, validate what the
// schema cannot express, and return structured output. Input arrives already
// validated against Schema.
type Tool interface {
	// Name is the unique identifier advertised to the model. Lowercase
	// with underscores, e.g. "http_request".
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON Schema for the tool's input object.
	Schema() map[string]any

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// TimeoutTool lets a tool override DefaultTimeout.
type TimeoutTool interface {
	Timeout() time.Duration
}

// Registry holds the tools available to a session and dispatches calls.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool name is required")
	}

	var compiled *jsonschema.Schema
	if schema := t.Schema(); schema != nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", normalize(schema)); err != nil {
			return fmt.Errorf("tool %q: add schema resource: %w", name, err)
		}
		var err error
		compiled, err = c.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tool %q: compile schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	if compiled != nil {
		r.compiled[name] = compiled
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resolve maps permitted tool names to tools, failing on any unknown name.
// Used at graph load so a bad spec is rejected before execution.
func (r *Registry) Resolve(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Specs builds the model-facing tool specifications for the named tools.
// Unknown names are skipped.
func (r *Registry) Specs(names []string) []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, model.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}

// Dispatch validates input against the tool's schema and runs the tool under
// its timeout.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	compiled := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if compiled != nil {
		doc := normalize(input)
		if doc == nil {
			doc = map[string]any{}
		}
		if err := compiled.Validate(doc); err != nil {
			return nil, fmt.Errorf("tool %q: invalid input: %w", name, err)
		}
	}

	timeout := DefaultTimeout
	if tt, ok := t.(TimeoutTool); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return t.Call(ctx, input)
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// normalize rewrites nested map/slice types into the plain shapes the schema
// validator accepts.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
	ToolTimeout     time.Duration
	Fn              func(ctx context.Context, input map[string]any) (map[string]any, error)
}

// NewFunc builds a function-backed tool.
func NewFunc(name, description string, schema map[string]any, fn func(ctx context.Context, input map[string]any) (map[string]any, error)) *Func {
	return &Func{ToolName: name, ToolDescription: description, ToolSchema: schema, Fn: fn}
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.ToolDescription }

// Schema implements Tool.
func (f *Func) Schema() map[string]any { return f.ToolSchema }

// Timeout implements TimeoutTool when set.
func (f *Func) Timeout() time.Duration { return f.ToolTimeout }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.Fn(ctx, input)
}
