package authx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ScopePHIRead is required to reverse an anonymized identity back to
// the original patient fields.
const ScopePHIRead = "phi:read"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
	ErrScopeDenied  = errors.New("scope denied")
)

// Capability is the verified identity attached to a PHI-sensitive call.
type Capability struct {
	Subject string
	Scopes  []string
	Claims  map[string]any
}

func (c Capability) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithCapability(ctx context.Context, cap Capability) context.Context {
	return context.WithValue(ctx, contextKey{}, cap)
}

func FromContext(ctx context.Context) (Capability, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if c, ok := v.(Capability); ok {
			return c, true
		}
	}
	return Capability{}, false
}

type JWTVerifier struct {
	issuer   string
	audience string
	jwks     *JWKSCache
	parser   *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, jwksURL string, ttlSeconds int, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	return &JWTVerifier{
		issuer:   issuer,
		audience: audience,
		jwks:     NewJWKSCache(jwksURL, time.Duration(ttlSeconds)*time.Second, &http.Client{Timeout: 5 * time.Second}),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (Capability, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Capability{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		return v.jwks.GetKey(ctx, kid)
	})
	if err != nil {
		return Capability{}, ErrInvalidToken
	}

	if claims["exp"] == nil || claims["iss"] == nil || claims["aud"] == nil {
		return Capability{}, ErrInvalidToken
	}

	subject := strings.TrimSpace(fmt.Sprint(claims["sub"]))
	if subject == "" {
		return Capability{}, ErrInvalidToken
	}

	return Capability{
		Subject: subject,
		Scopes:  parseScopes(claims),
		Claims:  map[string]any(claims),
	}, nil
}

// RequirePHIRead verifies the token and enforces the phi:read scope.
// Any verification failure is reported as a scope denial so callers
// stay fail-closed.
func (v *JWTVerifier) RequirePHIRead(ctx context.Context, rawToken string) (Capability, error) {
	cap, err := v.Verify(ctx, rawToken)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: %v", ErrScopeDenied, err)
	}
	if !cap.HasScope(ScopePHIRead) {
		return Capability{}, fmt.Errorf("%w: missing %s", ErrScopeDenied, ScopePHIRead)
	}
	return cap, nil
}

type JWKSCache struct {
	url       string
	ttl       time.Duration
	client    *http.Client
	mu        sync.RWMutex
	keysByKID map[string]any
	expiresAt time.Time
}

func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{
		url:       url,
		ttl:       ttl,
		client:    client,
		keysByKID: map[string]any{},
	}
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}

	now := time.Now()
	c.mu.RLock()
	key := c.keysByKID[kid]
	expiresAt := c.expiresAt
	c.mu.RUnlock()

	if key != nil && now.Before(expiresAt) {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// Serve a stale key rather than failing while upstream is down.
		c.mu.RLock()
		key = c.keysByKID[kid]
		c.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key = c.keysByKID[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, ErrUnknownKID
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return err
	}

	keys := make(map[string]any)
	iter := set.Iterate(ctx)
	for iter.Next(ctx) {
		pair := iter.Pair()
		key, ok := pair.Value.(jwk.Key)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return errors.New("no usable jwks keys")
	}

	c.mu.Lock()
	c.keysByKID = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

func parseScopes(claims map[string]any) []string {
	var scopes []string
	add := func(scope string) {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			return
		}
		for _, existing := range scopes {
			if existing == scope {
				return
			}
		}
		scopes = append(scopes, scope)
	}

	for _, key := range []string{"scope", "scp"} {
		if v, ok := claims[key]; ok {
			switch t := v.(type) {
			case string:
				for _, s := range strings.Fields(t) {
					add(s)
				}
			case []string:
				for _, s := range t {
					add(s)
				}
			case []any:
				for _, s := range t {
					add(fmt.Sprint(s))
				}
			}
		}
	}

	return scopes
}
