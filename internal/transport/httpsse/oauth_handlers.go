package httpsse

import (
	"net/http"
	"strings"
)

// handleOAuthRegister implements a minimal RFC 7591-style dynamic client
// registration endpoint backing the local dev token issuer (spec §4.5's
// "local/dev" authorization-code + PKCE flow, oauth.Store). The CLI mounts
// the store in HTTP mode whether or not a Validator is configured; bearer
// tokens on /mcp are checked only by the Validator, against the external
// IdP's JWKS.
func (s *Server) handleOAuthRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil || len(body.RedirectURIs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "redirect_uris is required"})
		return
	}
	client := s.store.RegisterClient(body.ClientName, body.RedirectURIs)
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                client.ID,
		"client_secret":            client.Secret,
		"client_name":              client.Name,
		"redirect_uris":            client.RedirectURIs,
		"token_endpoint_auth_method": "client_secret_post",
	})
}

// handleOAuthAuthorize auto-approves every request (there is no interactive
// login in the dev issuer) and redirects to redirect_uri with an
// authorization code, per the authorization-code + PKCE flow. Scopes are
// taken verbatim from the request's `scope` parameter.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	subject := q.Get("subject")
	if subject == "" {
		subject = "dev-user"
	}
	var scopes []string
	if raw := q.Get("scope"); raw != "" {
		scopes = strings.Fields(raw)
	}

	client := s.store.GetClient(clientID)
	if client == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown client_id"})
		return
	}
	if !client.ValidateRedirectURI(redirectURI) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "redirect_uri not registered for client"})
		return
	}

	code := s.store.CreateAuthCode(clientID, redirectURI, codeChallenge, codeChallengeMethod, subject, scopes)

	location := redirectURI + "?code=" + code
	if state != "" {
		location += "&state=" + state
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

// handleOAuthTokenIssue exchanges an authorization code plus PKCE verifier
// for an opaque bearer token (grant_type=authorization_code only; this dev
// issuer has no refresh-token grant).
func (s *Server) handleOAuthTokenIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}

	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if s.store.ValidateClientSecret(clientID, clientSecret) == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}

	token, err := s.store.ExchangeCode(
		r.PostForm.Get("code"),
		clientID,
		r.PostForm.Get("redirect_uri"),
		r.PostForm.Get("code_verifier"),
	)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}
