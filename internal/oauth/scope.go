package oauth

import "strings"

// scopesFromClaim extracts a token's granted scopes from the `scope` claim, which
// may be a space-delimited string (RFC 6749 §3.3) or, per spec §4.5 step 6,
// a JSON array under `scope` or `scopes`.
func scopesFromClaim(v any) []string {
	switch val := v.(type) {
	case string:
		fields := strings.Fields(val)
		return fields
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}

// CoversScope reports whether granted covers required, honoring the
// composite-scope rule of spec §3/§4.5: "mcp:admin" covers any
// "mcp:admin:*"; "mcp:tool" covers any "mcp:tool:*:execute".
func CoversScope(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if isCompositeCoverage(g, required) {
			return true
		}
	}
	return false
}

func isCompositeCoverage(granted, required string) bool {
	switch granted {
	case "mcp:admin":
		return strings.HasPrefix(required, "mcp:admin:")
	case "mcp:tool":
		return strings.HasPrefix(required, "mcp:tool:") && strings.HasSuffix(required, ":execute")
	default:
		return false
	}
}

// RequireScopes reports whether granted satisfies every scope in required,
// each individually resolved via CoversScope (spec §4.5 step 7).
func RequireScopes(granted []string, required []string) (ok bool, missing []string) {
	for _, req := range required {
		if !CoversScope(granted, req) {
			missing = append(missing, req)
		}
	}
	return len(missing) == 0, missing
}
