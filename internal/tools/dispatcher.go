package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/cache"
	"github.com/zoharbabin/google-research-mcp/internal/circuitbreaker"
	"github.com/zoharbabin/google-research-mcp/internal/oauth"
)

// ContentItem is one entry of an MCP tool result's human-readable content
// array.
type ContentItem struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Annotations any    `json:"annotations,omitempty"`
}

// Result is what Dispatcher.Call returns on success: both the
// human-readable content blocks and the machine-readable structured
// payload, per spec §6's tool-contract shape.
type Result struct {
	Content           []ContentItem `json:"content"`
	StructuredContent any           `json:"structuredContent"`
	IsError           bool          `json:"isError"`
}

// Dispatcher implements spec §4.6's callTool pipeline: lookup → schema
// validate → scope check → cache → breaker-wrapped timeout handler →
// output validate → annotate.
type Dispatcher struct {
	registry *Registry
	cache    *cache.Cache
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewDispatcher constructs a Dispatcher. cache may be nil to disable
// caching entirely (e.g. in a constrained test harness).
func NewDispatcher(registry *Registry, c *cache.Cache, breakers *circuitbreaker.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, cache: c, breakers: breakers, logger: logger.With("component", "dispatcher")}
}

// Call executes name against args on behalf of tc, enforcing scope and
// wrapping execution in the configured cache/circuit-breaker/timeout
// pipeline. enforceScope should be true for HTTP transports (spec §4.6
// step 3: "If HTTP transport: enforce ctx.scopes ⊇ {spec.requiredScope}")
// and false for stdio, which has no OAuth context.
func (d *Dispatcher) Call(ctx context.Context, tc Context, enforceScope bool, name string, rawArgs json.RawMessage) (*Result, *Error) {
	spec := d.registry.Get(name)
	if spec == nil {
		return nil, errMethodNotFound(name)
	}

	args, verr := decodeAndValidate(spec, rawArgs)
	if verr != nil {
		return nil, verr
	}

	if enforceScope && spec.RequiredScope != "" {
		if ok, missing := oauth.RequireScopes(tc.Scopes, []string{spec.RequiredScope}); !ok {
			return nil, errInsufficientScope(missing)
		}
	}

	deadline := spec.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	output, err := d.execute(callCtx, spec, tc, args)
	if err != nil {
		return nil, classifyError(spec.Name, callCtx, err)
	}

	if spec.outputValidator != nil {
		asMap, convErr := toJSONMap(output)
		if convErr == nil {
			if verr := spec.outputValidator.Validate(asMap); verr != nil {
				d.logger.Warn("tool produced output violating its own output schema", "tool", spec.Name, "error", verr)
			}
		}
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, errInternal(fmt.Sprintf("encode result: %v", err))
	}

	return &Result{
		Content: []ContentItem{{
			Type:        "text",
			Text:        string(encoded),
			Annotations: spec.Annotations,
		}},
		StructuredContent: output,
		IsError:           false,
	}, nil
}

func decodeAndValidate(spec *ToolSpec, rawArgs json.RawMessage) (map[string]any, *Error) {
	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, errInvalidParams("", fmt.Sprintf("arguments must be a JSON object: %v", err))
		}
	}
	if spec.inputValidator != nil {
		if err := spec.inputValidator.Validate(args); err != nil {
			return nil, errInvalidParams("", err.Error())
		}
	}
	return args, nil
}

// execute runs spec's handler, coalesced through the cache for cacheable
// tools and wrapped in the circuit breaker named after the tool when a
// breaker registry is configured (nil runs the handler unwrapped).
func (d *Dispatcher) execute(ctx context.Context, spec *ToolSpec, tc Context, args map[string]any) (any, error) {
	run := func(ctx context.Context) (any, error) {
		return spec.Handler(ctx, tc, args)
	}

	breakerRun := func(ctx context.Context) (any, error) {
		if d.breakers == nil {
			return run(ctx)
		}
		br := d.breakers.Get(spec.Name)
		var result any
		err := br.Wrap(ctx, func(ctx context.Context) error {
			r, err := run(ctx)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		return result, err
	}

	if !spec.Cacheable || d.cache == nil {
		return breakerRun(ctx)
	}

	raw, err := d.cache.GetOrCompute(ctx, spec.Name, args, cache.Options{TTL: spec.DefaultTTL}, func(ctx context.Context) (any, error) {
		return breakerRun(ctx)
	})
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return decoded, nil
}

func classifyError(dependency string, ctx context.Context, err error) *Error {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr
	}
	var circuitErr *circuitbreaker.ErrCircuitOpen
	if errors.As(err, &circuitErr) {
		return errCircuitOpen(dependency)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return errUpstreamTimeout(err.Error())
	}
	return errUpstreamFailure(err.Error())
}

func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
