package httpsse

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zoharbabin/google-research-mcp/internal/cache"
	"github.com/zoharbabin/google-research-mcp/internal/eventstore"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/oauth"
	"github.com/zoharbabin/google-research-mcp/internal/session"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil, nil, nil)
	handler := mcpserver.New(reg, dispatcher, "test-server", "0.0.1", true, nil, nil, nil, nil, nil)
	sessions := session.NewManager(session.Config{})
	events := eventstore.New(eventstore.Config{}, nil)
	t.Cleanup(events.Close)
	c, err := cache.New(cache.Config{MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	srv := New(cfg, handler, sessions, events, c, nil, nil, nil, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestInitializeMintsSessionID(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp := postJSON(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("expected Mcp-Session-Id header to be set")
	}
}

func TestPostWithoutSessionIDIsRejected(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp := postJSON(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPostWithSessionIDSucceeds(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	initResp := postJSON(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	sessionID := initResp.Header.Get("Mcp-Session-Id")
	initResp.Body.Close()

	resp := postJSON(t, ts, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEmptyBatchIsInvalidRequest(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp := postJSON(t, ts, "", `[]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteTearsDownSession(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	initResp := postJSON(t, ts, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	sessionID := initResp.Header.Get("Mcp-Session-Id")
	initResp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp2 := postJSON(t, ts, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected deleted session to be rejected, got %d", resp2.StatusCode)
	}
}

func TestOptionsSetsCORSHeaders(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("expected Access-Control-Allow-Methods header")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %+v", body)
	}
}

func TestAdminEndpointDisabledWithoutKey(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp, err := http.Post(ts.URL+"/mcp/cache-invalidate", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAdminEndpointRequiresKey(t *testing.T) {
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil, nil, nil)
	handler := mcpserver.New(reg, dispatcher, "test-server", "0.0.1", true, nil, nil, nil, nil, nil)
	sessions := session.NewManager(session.Config{})
	events := eventstore.New(eventstore.Config{}, nil)
	t.Cleanup(events.Close)
	c, err := cache.New(cache.Config{MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	srv := New(Config{ServerName: "test", Version: "0.0.1", AdminKey: "secret"}, handler, sessions, events, c, nil, nil, nil, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/mcp/cache-invalidate", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp/cache-invalidate", nil)
	req.Header.Set("X-Admin-Key", "secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusUnauthorized || resp2.StatusCode == http.StatusServiceUnavailable {
		t.Fatalf("expected admin request with correct key to pass gating, got %d", resp2.StatusCode)
	}
}

func TestOAuthEndpointsNotMountedWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, Config{ServerName: "test", Version: "0.0.1"})

	resp, err := http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when no store configured, got %d", resp.StatusCode)
	}
}

func TestOAuthRegisterAuthorizeTokenFlow(t *testing.T) {
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil, nil, nil)
	handler := mcpserver.New(reg, dispatcher, "test-server", "0.0.1", true, nil, nil, nil, nil, nil)
	sessions := session.NewManager(session.Config{})
	events := eventstore.New(eventstore.Config{}, nil)
	t.Cleanup(events.Close)
	c, err := cache.New(cache.Config{MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	store := oauth.NewStore()
	srv := New(Config{ServerName: "test", Version: "0.0.1"}, handler, sessions, events, c, nil, store, nil, nil, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	registerResp, err := http.Post(ts.URL+"/oauth/register", "application/json",
		strings.NewReader(`{"client_name":"test-client","redirect_uris":["http://localhost/callback"]}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer registerResp.Body.Close()
	if registerResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", registerResp.StatusCode)
	}
	var reg2 struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(registerResp.Body).Decode(&reg2); err != nil {
		t.Fatalf("decode register response: %v", err)
	}

	noRedirect := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	const codeVerifier = "test-verifier-1234567890"
	const codeChallenge = "Gx2LV1Kvw_rrHrk344X_Qz0hqvHkKf-7XJ12eAI03T4" // base64url(SHA-256(codeVerifier))
	authorizeURL := ts.URL + "/oauth/authorize?client_id=" + reg2.ClientID +
		"&redirect_uri=http://localhost/callback&code_challenge=" + codeChallenge + "&code_challenge_method=S256"
	authResp, err := noRedirect.Get(authorizeURL)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	defer authResp.Body.Close()
	if authResp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", authResp.StatusCode)
	}
	location := authResp.Header.Get("Location")
	if !strings.Contains(location, "code=") {
		t.Fatalf("expected redirect with code, got %q", location)
	}
	code := strings.TrimPrefix(location[strings.Index(location, "code="):], "code=")

	form := strings.NewReader("grant_type=authorization_code&code=" + code +
		"&client_id=" + reg2.ClientID + "&client_secret=" + reg2.ClientSecret +
		"&redirect_uri=http://localhost/callback&code_verifier=" + codeVerifier)
	tokenResp, err := http.Post(ts.URL+"/oauth/token", "application/x-www-form-urlencoded", form)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer tokenResp.Body.Close()
	if tokenResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", tokenResp.StatusCode)
	}
	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&token); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if token.AccessToken == "" || token.TokenType != "Bearer" {
		t.Fatalf("expected bearer access token, got %+v", token)
	}
}
