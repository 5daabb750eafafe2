package httpsse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// requireAdmin gates handler behind a shared-secret admin key (spec §4.10:
// "gated by admin scopes; when admin credentials are not configured, the
// endpoints are disabled (503)").
func (s *Server) requireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			http.Error(w, "admin endpoints disabled: no admin key configured", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-Admin-Key") != s.adminKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.cfg.Version,
		"uptime":    time.Since(s.startedAt).Seconds(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       s.cfg.ServerName,
		"version":    s.cfg.Version,
		"nodeVersion": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	var memStats runtimeMemStats
	memStats.read()

	writeJSON(w, http.StatusOK, map[string]any{
		"cache": s.cacheStats(),
		"process": map[string]any{
			"heapAllocBytes": memStats.HeapAlloc,
			"goroutines":     runtime.NumGoroutine(),
		},
		"server": map[string]any{
			"name":     s.cfg.ServerName,
			"version":  s.cfg.Version,
			"sessions": s.sessions.Count(),
		},
	})
}

func (s *Server) handleEventStoreStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.events.Stats())
}

// handleMetrics exposes Prometheus text-format counters (spec §4.10's
// general observability surface). Returns 404 when no collector is wired.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.metrics.PrometheusFormat()))
}

func (s *Server) handleOAuthConfig(w http.ResponseWriter, r *http.Request) {
	enabled := s.validator != nil
	body := map[string]any{"oauth": map[string]any{"enabled": enabled}}
	if enabled {
		body["oauth"].(map[string]any)["issuer"] = s.oauthIssuer
		body["oauth"].(map[string]any)["audience"] = s.oauthAudience
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOAuthScopes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(oauthScopesDoc))
}

func (s *Server) handleOAuthTokenInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(r.Context(), w, r, nil)
	if !ok {
		return
	}
	if claims == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject":       claims.Subject,
		"scopes":        claims.Scopes,
		"issuer":        claims.Issuer,
		"expiry":        claims.Expiry.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Namespace string `json:"namespace"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil || body.Namespace == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing namespace"})
		return
	}
	if err := s.cache.Invalidate(body.Namespace, nil); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": body.Namespace})
}

func (s *Server) handleCachePersist(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.PersistNow(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"persisted": true})
}

// handleSessions returns a point-in-time view of every active MCP session,
// including each one's currently executing tool, grounded in the teacher's
// handleSessions/SessionTracker.Snapshot pattern.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session tracking not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Snapshot()})
}

// handleAuditStats returns aggregated audit-log statistics, grounded in the
// teacher's handleStats (GetStats over a `since` window, optionally scoped
// to one session).
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log not configured", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	sessionID := query.Get("session")

	since := time.Now().Add(-24 * time.Hour)
	if sinceStr := query.Get("since"); sinceStr != "" {
		if parsed, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = parsed
		}
	}

	stats, err := s.audit.GetStats(sessionID, since)
	if err != nil {
		http.Error(w, fmt.Sprintf("get audit stats: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auditStats": stats,
		"period": map[string]any{
			"since": since,
			"until": time.Now(),
		},
	})
}

// handleAuditStream serves a Server-Sent Events feed of live audit events,
// grounded in the teacher's handleEventStream (subscribe to the audit hub,
// forward each published event as an SSE frame, with a keepalive ping).
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log not configured", http.StatusNotFound)
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

	subID, ch := s.audit.EventHub().Subscribe()
	defer s.audit.EventHub().Unsubscribe(subID)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: audit\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

const oauthScopesDoc = `# MCP scopes

- ` + "`mcp:tool:google_search:execute`" + ` — run google_search
- ` + "`mcp:tool:academic_search:execute`" + ` — run academic_search
- ` + "`mcp:tool:patent_search:execute`" + ` — run patent_search
- ` + "`mcp:tool:scrape_page:execute`" + ` — run scrape_page
- ` + "`mcp:tool:search_and_scrape:execute`" + ` — run search_and_scrape
- ` + "`mcp:tool:sequential_search:execute`" + ` — run sequential_search
- ` + "`mcp:tool`" + ` — composite scope covering every tool above
- ` + "`mcp:admin`" + ` — composite scope covering every ` + "`mcp:admin:*`" + ` scope; the admin/ops endpoints (cache invalidation, persistence, sessions, audit) are gated by the X-Admin-Key header, not by this scope
`
