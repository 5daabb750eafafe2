// Package mcpserver implements the transport-agnostic MCP JSON-RPC method
// table (initialize, tools/list, tools/call, resources/list,
// resources/read, ping), grounded in the
// teacher's internal/mcp/server.go handleRequest switch. Both the stdio and
// HTTP+SSE transports drive a single Handler so protocol semantics never
// drift between them.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/audit"
	"github.com/zoharbabin/google-research-mcp/internal/jsonrpc"
	"github.com/zoharbabin/google-research-mcp/internal/metrics"
	"github.com/zoharbabin/google-research-mcp/internal/session"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
)

const protocolVersion = "2025-06-18"

// sequentialSearchResourceURI is sequential_search's resource counterpart
// (spec §4.6/§6): the session's accumulated research trace, readable
// out-of-band from the tool call that built it.
const sequentialSearchResourceURI = "search://session/current"

// Handler dispatches JSON-RPC requests against a tool Dispatcher.
type Handler struct {
	registry    *tools.Registry
	dispatcher  *tools.Dispatcher
	serverName  string
	version     string
	startedAt   time.Time
	logger      *slog.Logger
	enforceScope bool // true for HTTP (OAuth-gated), false for stdio
	metrics     *metrics.Collector // nil disables instrumentation
	audit       *audit.Logger      // nil disables the SQLite audit trail
	tracker     *tools.SequentialTracker // nil disables the resources/* surface
	sessions    *session.Manager         // nil disables per-session activity tracking
}

// New constructs a Handler. enforceScope should be true for the HTTP+SSE
// transport and false for stdio, which has no OAuth context (spec §4.6).
// collector, auditLogger, tracker and sessions may all be nil to run without
// metrics/audit instrumentation, the sequential_search resources surface, or
// per-session activity tracking (stdio has an implicit single session and no
// Manager of its own).
func New(registry *tools.Registry, dispatcher *tools.Dispatcher, serverName, version string, enforceScope bool, collector *metrics.Collector, auditLogger *audit.Logger, tracker *tools.SequentialTracker, sessions *session.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:     registry,
		dispatcher:   dispatcher,
		serverName:   serverName,
		version:      version,
		startedAt:    time.Now(),
		logger:       logger.With("component", "mcpserver"),
		enforceScope: enforceScope,
		metrics:      collector,
		audit:        auditLogger,
		tracker:      tracker,
		sessions:     sessions,
	}
}

// Uptime reports how long the handler has been serving requests.
func (h *Handler) Uptime() time.Duration { return time.Since(h.startedAt) }

// initializeParams is the subset of the MCP `initialize` request this
// server cares about.
type initializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo describes the connecting MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handle processes a single JSON-RPC request and returns its response, or
// nil for notifications (which must not receive a response, per spec §5).
func (h *Handler) Handle(ctx context.Context, tc tools.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Jsonrpc != "2.0" {
		return jsonrpc.Fail(req.ID, jsonrpc.CodeInvalidRequest, "invalid jsonrpc version", nil)
	}
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case "initialize":
		return h.handleInitialize(req)
	case "tools/list":
		return h.handleToolsList(req.ID)
	case "tools/call":
		return h.handleToolsCall(ctx, tc, req.ID, req.Params)
	case "resources/list":
		return h.handleResourcesList(req.ID)
	case "resources/read":
		return h.handleResourcesRead(tc, req.ID, req.Params)
	case "ping":
		return jsonrpc.Success(req.ID, map[string]any{})
	default:
		return jsonrpc.Fail(req.ID, jsonrpc.CodeMethodNotFound, "method not found", nil)
	}
}

// ParseInitializeClientInfo extracts clientInfo from an initialize request's
// params, used by transports to populate session.ClientInfo.
func ParseInitializeClientInfo(params json.RawMessage) *ClientInfo {
	if len(params) == 0 {
		return nil
	}
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.ClientInfo
}

func (h *Handler) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.Success(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    h.serverName,
			"version": h.version,
		},
	})
}

func (h *Handler) handleToolsList(id json.RawMessage) *jsonrpc.Response {
	specs := h.registry.List()
	out := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		entry := map[string]any{
			"name":        spec.Name,
			"description": spec.Description,
			"inputSchema": spec.InputSchema,
		}
		if spec.OutputSchema != nil {
			entry["outputSchema"] = spec.OutputSchema
		}
		entry["annotations"] = spec.Annotations
		out = append(out, entry)
	}
	return jsonrpc.Success(id, map[string]any{"tools": out})
}

// handleResourcesList advertises the sequential_search trace as a readable
// MCP resource. The list is fixed: this server exposes exactly one resource
// kind, independent of how many sessions currently hold state.
func (h *Handler) handleResourcesList(id json.RawMessage) *jsonrpc.Response {
	if h.tracker == nil {
		return jsonrpc.Success(id, map[string]any{"resources": []any{}})
	}
	return jsonrpc.Success(id, map[string]any{
		"resources": []map[string]any{
			{
				"uri":         sequentialSearchResourceURI,
				"name":        "sequential_search session trace",
				"description": "The calling session's accumulated sequential_search steps.",
				"mimeType":    "application/json",
			},
		},
	})
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

// handleResourcesRead serves search://session/current from the
// SequentialTracker keyed by the caller's session. An empty trace (no
// sequential_search calls yet) still reads successfully, with an empty
// steps list, rather than failing.
func (h *Handler) handleResourcesRead(tc tools.Context, id json.RawMessage, params json.RawMessage) *jsonrpc.Response {
	var payload resourceReadParams
	if err := json.Unmarshal(params, &payload); err != nil {
		return jsonrpc.Fail(id, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if payload.URI != sequentialSearchResourceURI {
		return jsonrpc.Fail(id, jsonrpc.CodeResourceNotFound, "resource not found: "+payload.URI, nil)
	}
	if h.tracker == nil {
		return jsonrpc.Fail(id, jsonrpc.CodeResourceNotFound, "resource not found: "+payload.URI, nil)
	}
	if tc.SessionID == "" {
		return jsonrpc.Fail(id, jsonrpc.CodeInvalidParams, "resources/read requires an active session", nil)
	}

	state := h.tracker.Current(tc.SessionID)
	if state == nil {
		state = &tools.SequentialState{SessionID: tc.SessionID, Steps: []tools.SequentialStep{}}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return jsonrpc.Fail(id, jsonrpc.CodeInternalError, "encode resource", nil)
	}

	return jsonrpc.Success(id, map[string]any{
		"contents": []map[string]any{
			{
				"uri":      sequentialSearchResourceURI,
				"mimeType": "application/json",
				"text":     string(data),
			},
		},
	})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) handleToolsCall(ctx context.Context, tc tools.Context, id json.RawMessage, params json.RawMessage) *jsonrpc.Response {
	var payload toolCallParams
	if err := json.Unmarshal(params, &payload); err != nil {
		return jsonrpc.Fail(id, jsonrpc.CodeInvalidParams, "invalid params", nil)
	}
	if payload.Name == "" {
		return jsonrpc.Fail(id, jsonrpc.CodeInvalidParams, "missing tool name", nil)
	}

	if h.sessions != nil && tc.SessionID != "" {
		h.sessions.RecordToolStart(tc.SessionID, payload.Name)
	}

	start := time.Now()
	result, toolErr := h.dispatcher.Call(ctx, tc, h.enforceScope, payload.Name, payload.Arguments)
	duration := time.Since(start)

	if h.sessions != nil && tc.SessionID != "" {
		h.sessions.RecordToolEnd(tc.SessionID, toolErr == nil)
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(payload.Name, duration, toolErr == nil)
	}
	if h.audit != nil {
		statusCode := 200
		errMsg := ""
		if toolErr != nil {
			statusCode = toolErr.Code
			errMsg = toolErr.Message
		}
		h.audit.LogExecute(ctx, tc.SessionID, dependencyForTool(payload.Name), payload.Name, nil, duration, statusCode, toolErr == nil, errMsg, "", int64(len(payload.Arguments)), 0)
	}

	if toolErr != nil {
		return jsonrpc.Fail(id, toolErr.Code, toolErr.Message, errorData(toolErr))
	}
	return jsonrpc.Success(id, result)
}

// dependencyForTool names the external API a tool call is expected to hit,
// for the audit trail's per-dependency breakdown (spec §4.10's admin
// surface groups calls by dependency as well as by tool).
func dependencyForTool(toolName string) string {
	switch toolName {
	case "google_search", "search_and_scrape":
		return "google_custom_search"
	case "academic_search":
		return "arxiv"
	case "patent_search":
		return "patentsview"
	case "scrape_page":
		return "web"
	default:
		return ""
	}
}

func errorData(e *tools.Error) *jsonrpc.ErrorData {
	return &jsonrpc.ErrorData{
		Kind:  e.Kind,
		Field: e.Field,
		Scope: e.Missing,
	}
}
