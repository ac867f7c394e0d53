package zubot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes one tool call. Args is the raw JSON argument
// object; the returned value must marshal to a JSON object.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolSpec declares one registered tool.
type ToolSpec struct {
	Name        string
	Category    string
	Description string
	Parameters  json.RawMessage // JSON Schema
	Handler     ToolHandler
}

// ToolEnvelope is the uniform result wrapper every invocation returns.
// Tool failures are data, not Go errors: the loop feeds envelopes
// straight back to the model.
type ToolEnvelope struct {
	OK     bool            `json:"ok"`
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// locationTools get a default "location" argument injected when the
// caller omits one and the registry has a default location configured.
var locationTools = map[string]bool{
	"get_current_time":   true,
	"get_weather":        true,
	"get_future_weather": true,
	"get_today_weather":  true,
	"get_weather_24hr":   true,
	"get_week_outlook":   true,
}

// ToolMiddleware wraps a tool handler at registration time; used for
// instrumentation.
type ToolMiddleware func(name string, next ToolHandler) ToolHandler

// Registry holds the tool surface shared by all three planes.
type Registry struct {
	mu              sync.RWMutex
	specs           map[string]ToolSpec
	middleware      []ToolMiddleware
	defaultLocation string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]ToolSpec)}
}

// SetDefaultLocation configures the location injected into the
// clock/weather tool family.
func (r *Registry) SetDefaultLocation(loc string) {
	r.mu.Lock()
	r.defaultLocation = loc
	r.mu.Unlock()
}

// Use appends middleware applied to every tool registered afterwards.
func (r *Registry) Use(mw ToolMiddleware) {
	r.mu.Lock()
	r.middleware = append(r.middleware, mw)
	r.mu.Unlock()
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec needs a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s needs a handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	for i := len(r.middleware) - 1; i >= 0; i-- {
		spec.Handler = r.middleware[i](spec.Name, spec.Handler)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister panics on registration failure; for wiring code.
func (r *Registry) MustRegister(spec ToolSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions exports provider-format tool definitions. A nil allow
// list exports everything; otherwise only the allowed names.
func (r *Registry) Definitions(allow []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := func(string) bool { return true }
	if allow != nil {
		set := make(map[string]bool, len(allow))
		for _, name := range allow {
			set[name] = true
		}
		allowed = func(name string) bool { return set[name] }
	}

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		if allowed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		spec := r.specs[name]
		params := spec.Parameters
		if params == nil {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return defs
}

// Invoke dispatches one tool call and always returns an envelope:
// unknown tools, bad arguments, handler failures, and non-object
// results all become error envelopes rather than Go errors.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) ToolEnvelope {
	r.mu.RLock()
	spec, ok := r.specs[name]
	defaultLoc := r.defaultLocation
	r.mu.RUnlock()
	if !ok {
		return ToolEnvelope{Tool: name, Error: "unknown tool: " + name}
	}

	args, err := normalizeArgs(name, args, defaultLoc)
	if err != nil {
		return ToolEnvelope{Tool: name, Error: fmt.Sprintf("Invalid arguments for `%s`", name)}
	}

	result, err := safeInvoke(ctx, spec, args)
	if err != nil {
		return ToolEnvelope{Tool: name, Error: fmt.Sprintf("Tool `%s` failed: %v", name, err)}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return ToolEnvelope{Tool: name, Error: fmt.Sprintf("Tool `%s` failed: unserializable result", name)}
	}
	if len(payload) == 0 || payload[0] != '{' {
		return ToolEnvelope{Tool: name, Error: fmt.Sprintf("Tool `%s` failed: result is not an object", name)}
	}
	return ToolEnvelope{OK: true, Tool: name, Result: payload}
}

// safeInvoke shields the loop from handler panics.
func safeInvoke(ctx context.Context, spec ToolSpec, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return spec.Handler(ctx, args)
}

// normalizeArgs validates args as a JSON object and injects the default
// location for the clock/weather family when absent.
func normalizeArgs(name string, args json.RawMessage, defaultLoc string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, err
		}
	}
	if locationTools[name] && defaultLoc != "" {
		if _, has := obj["location"]; !has {
			loc, _ := json.Marshal(defaultLoc)
			obj["location"] = loc
		}
	}
	return json.Marshal(obj)
}
