package httpsse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/jsonrpc"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/session"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, jsonrpc.Fail(jsonrpc.NullID, code, message, nil))
}

// handlePost implements POST /mcp (spec §4.9): accepts a single message or
// a batch, creates a session on `initialize`, and returns either a single
// JSON response or one SSE event per response.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(r.Context(), w, r, nil)
	if !ok {
		return
	}
	if !s.checkRateLimit(w, r, claims) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusRequestEntityTooLarge, jsonrpc.CodeInvalidRequest, "request too large")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "empty body")
		return
	}

	batch, isBatch, emptyBatch, perr := jsonrpc.ParseBody(body)
	if perr != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "invalid json")
		return
	}
	if emptyBatch {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeInvalidRequest, "Invalid Request: Empty batch")
		return
	}

	sessionID, sess, sessErr := s.resolveOrCreateSession(r, batch)
	if sessErr != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": -32000, "message": sessErr})
		return
	}
	if sess != nil {
		w.Header().Set("Mcp-Session-Id", sess.ID)
	}

	tc := tools.Context{SessionID: sessionID}
	if claims != nil {
		tc.Scopes = claims.Scopes
	}
	ctx := r.Context()

	if !isBatch {
		s.dispatchAndRespond(ctx, w, r, tc, sessionID, &batch[0])
		return
	}

	responses := make([]*jsonrpc.Response, 0, len(batch))
	for i := range batch {
		if resp := s.handler.Handle(ctx, tc, &batch[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if wantsSSE(r) {
		s.streamResponses(w, sessionID, responses)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

// resolveOrCreateSession mints a new session on `initialize` (spec §4.7)
// or requires an existing Mcp-Session-Id header for any other method
// (spec §6: "Required on all POST /mcp after initial handshake").
func (s *Server) resolveOrCreateSession(r *http.Request, batch []jsonrpc.Request) (string, *session.Session, string) {
	for i := range batch {
		if batch[i].Method == "initialize" {
			clientInfo := mcpserver.ParseInitializeClientInfo(batch[i].Params)
			var ci *session.ClientInfo
			if clientInfo != nil {
				ci = &session.ClientInfo{Name: clientInfo.Name, Version: clientInfo.Version}
			}
			streamID := session.NewSessionID()
			sess := s.sessions.Create(streamID, ci)
			return sess.ID, sess, ""
		}
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		return "", nil, "No valid session ID provided"
	}
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return "", nil, "No valid session ID provided"
	}
	s.sessions.Touch(sessionID)
	return sessionID, sess, ""
}

func (s *Server) dispatchAndRespond(ctx context.Context, w http.ResponseWriter, r *http.Request, tc tools.Context, sessionID string, req *jsonrpc.Request) {
	resp := s.handler.Handle(ctx, tc, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if wantsSSE(r) {
		s.streamResponses(w, sessionID, []*jsonrpc.Response{resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func wantsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return containsToken(accept, "text/event-stream") && !containsToken(accept, "application/json")
}

func containsToken(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// streamResponses writes each response as one SSE event, write-through to
// the EventStore first so a reconnecting client can replay it (spec §5:
// "the live SSE path writes-through to the store before flushing").
func (s *Server) streamResponses(w http.ResponseWriter, sessionID string, responses []*jsonrpc.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, responses)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	streamID := s.streamIDFor(sessionID)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		eventID, err := s.events.StoreEvent(streamID, data, sessionID)
		if err != nil {
			eventID = ""
		}
		writeSSE(w, eventID, "message", data)
		flusher.Flush()
	}
}

func (s *Server) streamIDFor(sessionID string) string {
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		return sessionID
	}
	return sess.StreamID
}

func writeSSE(w io.Writer, id, event string, data []byte) {
	if id != "" {
		io.WriteString(w, "id: "+id+"\n")
	}
	if event != "" {
		io.WriteString(w, "event: "+event+"\n")
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		io.WriteString(w, "data: ")
		w.Write(line)
		io.WriteString(w, "\n")
	}
	io.WriteString(w, "\n")
}

// handleGet implements GET /mcp (spec §4.9): opens a long-lived SSE stream
// for an existing session, replaying from Last-Event-ID first if present.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(r.Context(), w, r, nil)
	if !ok {
		return
	}
	if !s.checkRateLimit(w, r, claims) {
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	sess := s.sessions.Get(sessionID)
	if sessionID == "" || sess == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": -32000, "message": "No valid session ID provided"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID != "" {
		s.events.ReplayEventsAfter(r.Context(), lastEventID, func(eventID string, message json.RawMessage) error {
			writeSSE(w, eventID, "message", message)
			flusher.Flush()
			return nil
		}, sessionID)
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleDelete implements DELETE /mcp: tears down a session immediately
// (spec §4.7).
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(r.Context(), w, r, nil)
	if !ok {
		return
	}
	if !s.checkRateLimit(w, r, claims) {
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": -32000, "message": "No valid session ID provided"})
		return
	}
	s.sessions.Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
