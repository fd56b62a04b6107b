package authx

import "testing"

func TestParseScopes(t *testing.T) {
	claims := map[string]any{
		"scope": "phi:read dispatch:write",
		"scp":   []any{"nodes:read"},
	}
	scopes := parseScopes(claims)
	if len(scopes) != 3 {
		t.Fatalf("expected 3 scopes, got %v", scopes)
	}
	cap := Capability{Scopes: scopes}
	if !cap.HasScope(ScopePHIRead) {
		t.Fatalf("expected phi:read scope in %v", scopes)
	}
}

func TestParseScopesDeduplicates(t *testing.T) {
	claims := map[string]any{
		"scope": "phi:read phi:read",
	}
	if scopes := parseScopes(claims); len(scopes) != 1 {
		t.Fatalf("expected deduplicated scopes, got %v", scopes)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}
