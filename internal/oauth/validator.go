package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FailureKind enumerates the typed bearer-token validation failures of
// spec §4.5, each mapped to a distinct HTTP status and WWW-Authenticate
// error code (RFC 6750 §3).
type FailureKind string

const (
	FailureMissingToken      FailureKind = "missing_token"
	FailureInvalidToken      FailureKind = "invalid_token"
	FailureExpiredToken      FailureKind = "expired_token"
	FailureInsufficientScope FailureKind = "insufficient_scope"
	FailureHTTPSRequired     FailureKind = "https_required"
)

// ValidationError is returned by Validator.Validate and carries enough
// structure for an HTTP transport to render an RFC 6750 challenge.
type ValidationError struct {
	Kind    FailureKind
	Detail  string
	Missing []string // populated only for FailureInsufficientScope
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

// StatusCode maps a failure kind to the HTTP status spec §4.5 requires.
func (e *ValidationError) StatusCode() int {
	switch e.Kind {
	case FailureMissingToken:
		return http.StatusUnauthorized
	case FailureInvalidToken, FailureExpiredToken:
		return http.StatusUnauthorized
	case FailureInsufficientScope:
		return http.StatusForbidden
	case FailureHTTPSRequired:
		return http.StatusUpgradeRequired
	default:
		return http.StatusUnauthorized
	}
}

// WWWAuthenticate renders the RFC 6750 §3 challenge header value for e.
func (e *ValidationError) WWWAuthenticate(realm string) string {
	var errCode string
	switch e.Kind {
	case FailureExpiredToken:
		errCode = "invalid_token"
	case FailureInvalidToken:
		errCode = "invalid_token"
	case FailureInsufficientScope:
		errCode = "insufficient_scope"
	default:
		return fmt.Sprintf(`Bearer realm=%q`, realm)
	}
	desc := e.Detail
	if desc == "" {
		desc = string(e.Kind)
	}
	return fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`, realm, errCode, desc)
}

// allowedAlgorithms restricts signature verification to asymmetric
// algorithms, per spec §4.5 step 4 ("reject alg=none and any symmetric
// HMAC algorithm outright").
var allowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512"}

// Claims is the set of standard + scope claims this validator reads out of
// a verified token.
type Claims struct {
	Subject string
	Scopes  []string
	Issuer  string
	Expiry  time.Time
}

// Validator verifies bearer tokens issued by an external IdP against a
// JWKS-published key set, per spec §4.5. It is the resource-server half of
// OAuth; the local authorization-code issuer in store.go is the other.
type Validator struct {
	jwks            *JWKSCache
	expectedIssuer  string
	expectedAud     string
	requireHTTPS    bool
	logger          *slog.Logger
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	JWKSURL        string
	JWKSTTL        time.Duration
	ExpectedIssuer string
	ExpectedAud    string
	RequireHTTPS   bool
}

// NewValidator constructs a Validator backed by a JWKSCache fetching from
// cfg.JWKSURL.
func NewValidator(cfg ValidatorConfig, httpClient *http.Client, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		jwks:           NewJWKSCache(cfg.JWKSURL, cfg.JWKSTTL, httpClient, logger),
		expectedIssuer: cfg.ExpectedIssuer,
		expectedAud:    cfg.ExpectedAud,
		requireHTTPS:   cfg.RequireHTTPS,
		logger:         logger.With("component", "oauth-validator"),
	}
}

// ValidateRequest extracts and validates the bearer token from an inbound
// HTTP request, then enforces requiredScopes, implementing spec §4.5's
// seven-step sequence end to end.
func (v *Validator) ValidateRequest(r *http.Request, requiredScopes []string) (*Claims, *ValidationError) {
	if v.requireHTTPS && r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		return nil, &ValidationError{Kind: FailureHTTPSRequired, Detail: "bearer tokens must be presented over HTTPS"}
	}

	raw, verr := extractBearerToken(r)
	if verr != nil {
		return nil, verr
	}

	claims, verr := v.Validate(r.Context(), raw)
	if verr != nil {
		return nil, verr
	}

	if ok, missing := RequireScopes(claims.Scopes, requiredScopes); !ok {
		return nil, &ValidationError{Kind: FailureInsufficientScope, Detail: fmt.Sprintf("missing scopes: %s", strings.Join(missing, ", ")), Missing: missing}
	}

	return claims, nil
}

func extractBearerToken(r *http.Request) (string, *ValidationError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &ValidationError{Kind: FailureMissingToken, Detail: "missing Authorization header"}
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", &ValidationError{Kind: FailureMissingToken, Detail: "Authorization header is not a Bearer token"}
	}
	return parts[1], nil
}

// Validate verifies a raw bearer token string and returns its claims. It is
// exposed standalone (not just via ValidateRequest) for transports, like
// stdio, that never see an *http.Request.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, *ValidationError) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		alg, _ := t.Header["alg"].(string)
		if !isAllowedAlgorithm(alg) {
			return nil, fmt.Errorf("algorithm %q not permitted", alg)
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.jwks.KeyForKID(ctx, kid)
	}, jwt.WithValidMethods(allowedAlgorithms))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &ValidationError{Kind: FailureExpiredToken, Detail: "token has expired"}
		}
		return nil, &ValidationError{Kind: FailureInvalidToken, Detail: err.Error()}
	}
	if !token.Valid {
		return nil, &ValidationError{Kind: FailureInvalidToken, Detail: "token failed verification"}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &ValidationError{Kind: FailureInvalidToken, Detail: "unexpected claims type"}
	}

	if v.expectedIssuer != "" {
		iss, _ := mapClaims.GetIssuer()
		if iss != v.expectedIssuer {
			return nil, &ValidationError{Kind: FailureInvalidToken, Detail: "issuer mismatch"}
		}
	}
	if v.expectedAud != "" {
		aud, _ := mapClaims.GetAudience()
		if !containsString(aud, v.expectedAud) {
			return nil, &ValidationError{Kind: FailureInvalidToken, Detail: "audience mismatch"}
		}
	}

	sub, _ := mapClaims.GetSubject()
	iss, _ := mapClaims.GetIssuer()
	var expiry time.Time
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}

	var scopes []string
	if raw, ok := mapClaims["scope"]; ok {
		scopes = scopesFromClaim(raw)
	} else if raw, ok := mapClaims["scopes"]; ok {
		scopes = scopesFromClaim(raw)
	}

	return &Claims{Subject: sub, Scopes: scopes, Issuer: iss, Expiry: expiry}, nil
}

func isAllowedAlgorithm(alg string) bool {
	for _, a := range allowedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
