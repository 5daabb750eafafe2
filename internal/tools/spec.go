// Package tools implements the ToolRegistry and Dispatcher (spec §4.6):
// schema-validated, scope-gated, cache-and-circuit-breaker-wrapped
// execution of the server's fixed tool set, plus the search-then-scrape
// composite tool and the sequential research tracker.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Annotations mirrors the MCP content-annotation fields attached to a
// tool's declared behavior, grounded in the teacher's registry.go
// buildAnnotations (readOnly/destructive/idempotent/openWorld hints).
type Annotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint"`
	DestructiveHint bool `json:"destructiveHint"`
	IdempotentHint  bool `json:"idempotentHint"`
	OpenWorldHint   bool `json:"openWorldHint"`
}

// Context carries the per-call attributes a Handler needs beyond its
// validated arguments: the caller's session and granted scopes (empty for
// stdio/no-auth transports). The call's deadline travels in ctx, not here.
type Context struct {
	SessionID string
	Scopes    []string
}

// Handler executes a tool's business logic. ctx carries the deadline
// (spec.Timeout); args has already passed schema validation.
type Handler func(ctx context.Context, tc Context, args map[string]any) (any, error)

// ToolSpec declares one callable tool: its schema, required scope, cache
// policy, timeout, and handler.
type ToolSpec struct {
	Name           string
	Description    string
	InputSchema    map[string]any
	OutputSchema   map[string]any
	RequiredScope  string
	DefaultTTL     time.Duration
	Timeout        time.Duration
	Annotations    Annotations
	Handler        Handler
	Cacheable      bool // composite/search tools are cacheable; the sequential tracker is not (stateful)

	inputValidator  *jsonschema.Schema
	outputValidator *jsonschema.Schema
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	return compiler.Compile(resourceName)
}

// Registry is a process-wide mapping of tool name to ToolSpec, grounded in
// the teacher's mcp.Registry (schema compilation + sorted enumeration).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register compiles spec's schemas and adds it to the registry. It is an
// error to register the same tool name twice.
func (r *Registry) Register(spec *ToolSpec) error {
	inputValidator, err := compileSchema(spec.Name+".input", spec.InputSchema)
	if err != nil {
		return err
	}
	outputValidator, err := compileSchema(spec.Name+".output", spec.OutputSchema)
	if err != nil {
		return err
	}
	spec.inputValidator = inputValidator
	spec.outputValidator = outputValidator

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = spec
	return nil
}

// Get returns the ToolSpec for name, or nil if unknown.
func (r *Registry) Get(name string) *ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns every registered tool sorted by name, matching the
// teacher's SortedTools ordering guarantee for deterministic tools/list
// responses.
func (r *Registry) List() []*ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
