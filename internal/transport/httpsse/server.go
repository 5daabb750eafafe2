// Package httpsse implements the HTTP+SSE transport (spec.md §4.9, C9) and
// the admin/ops surface (§4.10, C10), grounded in the teacher's
// internal/mcp/streamable_http.go (single /mcp endpoint, CORS header set,
// SSE writer with Last-Event-ID replay) and cmd/skyline/server.go's
// admin-endpoint mounting style, adapted to back replay with an EventStore
// instead of an in-memory ring buffer and to add OAuth/rate-limit gating.
package httpsse

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/audit"
	"github.com/zoharbabin/google-research-mcp/internal/cache"
	"github.com/zoharbabin/google-research-mcp/internal/eventstore"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/metrics"
	"github.com/zoharbabin/google-research-mcp/internal/oauth"
	"github.com/zoharbabin/google-research-mcp/internal/ratelimit"
	"github.com/zoharbabin/google-research-mcp/internal/session"
)

// maxBodyBytes bounds a single request body (spec §4.9: "Body size cap
// (e.g., 10 MB) to bound memory").
const maxBodyBytes = 10 * 1024 * 1024

// Config configures a Server.
type Config struct {
	ServerName     string
	Version        string
	AllowedOrigins []string // empty means allow any origin
	EnforceHTTPS   bool
	OAuthIssuer    string
	OAuthAudience  string
	AdminKey       string // empty disables admin-gated endpoints (spec §4.10: 503)
}

// Server implements the /mcp endpoint plus the admin surface.
type Server struct {
	cfg           Config
	handler       *mcpserver.Handler
	sessions      *session.Manager
	events        *eventstore.Store
	cache         *cache.Cache
	validator     *oauth.Validator // nil disables bearer enforcement
	store         *oauth.Store     // nil disables the local /oauth/* dev issuer
	limiters      *ratelimit.Registry
	metrics       *metrics.Collector // nil disables /mcp/metrics
	audit         *audit.Logger      // nil disables /mcp/audit-stats and /mcp/audit-stream
	logger        *slog.Logger
	startedAt     time.Time
	adminKey      string
	oauthIssuer   string
	oauthAudience string
}

// New constructs an httpsse Server. validator, store, limiters, collector
// and auditLogger may all be nil to run without OAuth enforcement, the
// local dev token issuer, rate limiting, metrics, or the audit admin
// surface (e.g. local development).
func New(cfg Config, handler *mcpserver.Handler, sessions *session.Manager, events *eventstore.Store, c *cache.Cache, validator *oauth.Validator, store *oauth.Store, limiters *ratelimit.Registry, collector *metrics.Collector, auditLogger *audit.Logger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		handler:       handler,
		sessions:      sessions,
		events:        events,
		cache:         c,
		validator:     validator,
		store:         store,
		limiters:      limiters,
		metrics:       collector,
		audit:         auditLogger,
		logger:        logger.With("component", "httpsse"),
		startedAt:     time.Now(),
		adminKey:      cfg.AdminKey,
		oauthIssuer:   cfg.OAuthIssuer,
		oauthAudience: cfg.OAuthAudience,
	}
}

// Handler builds the full http.Handler, mounting /mcp and the admin
// surface on one mux so the CLI can bind a single listener (spec §6: "binds
// the admin endpoints on the same listener").
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.withCORS(s.handleMCP))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/mcp/cache-stats", s.handleCacheStats)
	mux.HandleFunc("/mcp/event-store-stats", s.handleEventStoreStats)
	mux.HandleFunc("/mcp/metrics", s.handleMetrics)
	mux.HandleFunc("/mcp/oauth-config", s.handleOAuthConfig)
	mux.HandleFunc("/mcp/oauth-scopes", s.handleOAuthScopes)
	mux.HandleFunc("/mcp/oauth-token-info", s.handleOAuthTokenInfo)
	mux.HandleFunc("/mcp/cache-invalidate", s.requireAdmin(s.handleCacheInvalidate))
	mux.HandleFunc("/mcp/cache-persist", s.requireAdmin(s.handleCachePersist))
	mux.HandleFunc("/mcp/sessions", s.requireAdmin(s.handleSessions))
	mux.HandleFunc("/mcp/audit-stats", s.requireAdmin(s.handleAuditStats))
	mux.HandleFunc("/mcp/audit-stream", s.requireAdmin(s.handleAuditStream))
	if s.store != nil {
		mux.HandleFunc("/oauth/register", s.handleOAuthRegister)
		mux.HandleFunc("/oauth/authorize", s.handleOAuthAuthorize)
		mux.HandleFunc("/oauth/token", s.handleOAuthTokenIssue)
	}
	return mux
}

// isSecure reports whether r arrived over TLS, directly or via a trusted
// reverse proxy's X-Forwarded-Proto, for EnforceHTTPS gating (spec §4.5).
func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.EnforceHTTPS && !isSecure(r) && r.Method != http.MethodOptions {
		writeJSONRPCError(w, http.StatusUpgradeRequired, -32000, "HTTPS required")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodOptions:
		s.handleOptions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// withCORS applies spec §4.9's CORS rules ("allowed origins configurable;
// Vary: Origin") ahead of every /mcp method handler.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, RateLimit-Limit, RateLimit-Remaining, RateLimit-Reset")
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// rateLimitKey picks the OAuth subject when present, otherwise the client
// IP, per spec §4.9 ("per-subject (from OAuth sub) or per-IP").
func rateLimitKey(r *http.Request, claims *oauth.Claims) string {
	if claims != nil && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return "ip:" + host
}

// checkRateLimit applies the configured Registry, if any, writing the
// RateLimit-* headers and a 429 on exceed. Returns false if the caller
// should stop processing the request.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, claims *oauth.Claims) bool {
	if s.limiters == nil {
		return true
	}
	key := rateLimitKey(r, claims)
	allowed, limit, remaining, reset := s.limiters.Get(key).Allow()
	w.Header().Set("RateLimit-Limit", itoa(limit))
	w.Header().Set("RateLimit-Remaining", itoa(remaining))
	w.Header().Set("RateLimit-Reset", itoa(int(reset.Unix())))
	if !allowed {
		writeJSONRPCError(w, http.StatusTooManyRequests, -32000, "rate limit exceeded")
		return false
	}
	return true
}

// authenticate validates the bearer token when an OAuth validator is
// configured. Returns (claims, ok); ok is false and the response has
// already been written on failure. With no validator configured, every
// request is allowed (local/dev mode).
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, requiredScopes []string) (*oauth.Claims, bool) {
	if s.validator == nil {
		return nil, true
	}
	claims, verr := s.validator.ValidateRequest(r, requiredScopes)
	if verr != nil {
		w.Header().Set("WWW-Authenticate", verr.WWWAuthenticate("mcp"))
		writeJSONRPCError(w, verr.StatusCode(), -32001, verr.Error())
		return nil, false
	}
	return claims, true
}

func itoa(n int) string {
	if n < 0 {
		n = 0
	}
	buf := [20]byte{}
	i := len(buf)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
