package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/srirohitha/job-queue/internal/domain"
)

// Tokens are opaque HMAC-signed bearer credentials:
// v1.<tenant_id>.<expiry_unix>.<signature>. No server-side session
// state; revocation happens by rotating the secret.
const tokenVersion = "v1"

// TokenMinter issues and verifies tenant tokens.
type TokenMinter struct {
	Secret []byte
	TTL    time.Duration
}

// Mint returns a signed token for the tenant id.
func (m TokenMinter) Mint(tenantID string, now time.Time) string {
	exp := now.Add(m.TTL).Unix()
	payload := fmt.Sprintf("%s.%s.%d", tokenVersion, tenantID, exp)
	return payload + "." + m.sign(payload)
}

// Verify checks signature and expiry and returns the tenant id.
func (m TokenMinter) Verify(token string, now time.Time) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != tokenVersion {
		return "", fmt.Errorf("%w: malformed token", domain.ErrNotAuthenticated)
	}
	payload := strings.Join(parts[:3], ".")
	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", domain.ErrNotAuthenticated)
	}
	mac := hmac.New(sha256.New, m.Secret)
	mac.Write([]byte(payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", fmt.Errorf("%w: bad token signature", domain.ErrNotAuthenticated)
	}
	exp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || now.Unix() >= exp {
		return "", fmt.Errorf("%w: token expired", domain.ErrNotAuthenticated)
	}
	return parts[1], nil
}

func (m TokenMinter) sign(payload string) string {
	mac := hmac.New(sha256.New, m.Secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

type tenantKey struct{}

// TenantID returns the authenticated tenant id from the request
// context, or empty when the request is anonymous.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// withTenant is split out for handler tests that bypass the middleware.
func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// RequireAuth resolves the bearer token into a tenant id and stores it
// in the request context. Both "Bearer <t>" and the legacy "Token <t>"
// schemes are accepted.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, r, fmt.Errorf("%w: missing credentials", domain.ErrNotAuthenticated), nil)
			return
		}
		tenantID, err := s.Tokens.Verify(raw, time.Now())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// The tenant row must still exist; deleted accounts lose access
		// immediately even with a live token.
		if _, err := s.Tenants.Get(r.Context(), tenantID); err != nil {
			writeError(w, r, fmt.Errorf("%w: unknown tenant", domain.ErrNotAuthenticated), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenantID)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "Token "} {
		if len(h) > len(scheme) && strings.EqualFold(h[:len(scheme)], scheme) {
			return strings.TrimSpace(h[len(scheme):])
		}
	}
	return ""
}
