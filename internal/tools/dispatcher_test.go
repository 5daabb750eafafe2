package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/cache"
	"github.com/zoharbabin/google-research-mcp/internal/circuitbreaker"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{MaxEntries: 100}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func echoSpec(name string, cacheable bool, handler Handler) *ToolSpec {
	return &ToolSpec{
		Name:          name,
		RequiredScope: "mcp:tool:" + name + ":execute",
		Timeout:       time.Second,
		Cacheable:     cacheable,
		Handler:       handler,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"value"},
			"properties": map[string]any{
				"value": map[string]any{"type": "string"},
			},
		},
	}
}

func TestDispatcherUnknownToolIsMethodNotFound(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, nil, nil, nil)

	_, err := d.Call(context.Background(), Context{}, false, "missing", json.RawMessage(`{}`))
	if err == nil || err.Code != codeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", err)
	}
}

func TestDispatcherSchemaViolationIsInvalidParams(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec("echo", false, func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		return args, nil
	})
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, nil)

	_, err := d.Call(context.Background(), Context{}, false, "echo", json.RawMessage(`{}`))
	if err == nil || err.Code != codeInvalidParams {
		t.Fatalf("expected InvalidParams, got %+v", err)
	}
}

func TestDispatcherMissingScopeIsInsufficientScope(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec("echo", false, func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		return args, nil
	})
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, nil)

	_, err := d.Call(context.Background(), Context{Scopes: []string{"mcp:tool:other:execute"}}, true, "echo", json.RawMessage(`{"value":"x"}`))
	if err == nil || err.Code != codeInsufficientScope {
		t.Fatalf("expected InsufficientScope, got %+v", err)
	}
}

func TestDispatcherSuccessfulCachedCallIsComputedOnce(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	spec := echoSpec("echo", true, func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		calls++
		return map[string]any{"echoed": args["value"]}, nil
	})
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := newTestCache(t)
	d := NewDispatcher(reg, c, nil, nil)

	for i := 0; i < 3; i++ {
		res, err := d.Call(context.Background(), Context{}, false, "echo", json.RawMessage(`{"value":"x"}`))
		if err != nil {
			t.Fatalf("call %d: %+v", i, err)
		}
		if res.IsError {
			t.Fatalf("call %d: unexpected IsError", i)
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once under cache coalescing, ran %d times", calls)
	}
}

func TestDispatcherCircuitOpenIsSurfaced(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec("flaky", false, func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	breakers := circuitbreaker.NewRegistry(1, time.Minute)
	d := NewDispatcher(reg, nil, breakers, nil)

	// First call trips the breaker (failureThreshold=1).
	if _, err := d.Call(context.Background(), Context{}, false, "flaky", json.RawMessage(`{"value":"x"}`)); err == nil {
		t.Fatal("expected first call to fail")
	}

	_, err := d.Call(context.Background(), Context{}, false, "flaky", json.RawMessage(`{"value":"x"}`))
	if err == nil || err.Code != codeCircuitOpen {
		t.Fatalf("expected CircuitOpen on second call, got %+v", err)
	}
}

func TestDispatcherTimeoutIsUpstreamTimeout(t *testing.T) {
	reg := NewRegistry()
	spec := echoSpec("slow", false, func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	spec.Timeout = 10 * time.Millisecond
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, nil)

	_, err := d.Call(context.Background(), Context{}, false, "slow", json.RawMessage(`{"value":"x"}`))
	if err == nil || err.Code != codeUpstreamTimeout {
		t.Fatalf("expected UpstreamTimeout, got %+v", err)
	}
}
