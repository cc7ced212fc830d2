// ABOUTME: HTTP middleware that resolves credentials and enforces route levels
// ABOUTME: Reads X-Api-Key, Authorization: Bearer, and the session cookie

package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"
)

// APIKeyHeader carries an API key.
const APIKeyHeader = "X-Api-Key"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns an empty string when the header is absent or not a bearer token.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// CredentialsFromRequest collects every credential carrier on r.
func CredentialsFromRequest(r *http.Request, cookieName string) Credentials {
	creds := Credentials{
		APIKey:      strings.TrimSpace(r.Header.Get(APIKeyHeader)),
		BearerToken: extractBearerToken(r.Header.Get("Authorization")),
		ClientAddr:  ClientAddr(r),
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			creds.CookieToken = c.Value
		}
	}
	return creds
}

// ClientAddr returns a best-effort client address: the first X-Forwarded-For
// hop, then X-Real-IP, then the connection's remote address. It is suitable
// for audit records, not for access control.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr := strings.TrimSpace(first); addr != "" {
			return addr
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware attaches identities to requests and enforces levels.
type Middleware struct {
	resolver   *Resolver
	cookieName string
}

// NewMiddleware creates HTTP middleware around a resolver.
func NewMiddleware(resolver *Resolver, cookieName string) *Middleware {
	return &Middleware{resolver: resolver, cookieName: cookieName}
}

// Attach resolves the identity if possible and passes every request through.
// Invalid credentials are treated as anonymous.
func (m *Middleware) Attach(next http.Handler) http.Handler {
	return m.Require(LevelNone)(next)
}

// RequireAuthenticated rejects anonymous requests with 401.
func (m *Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return m.Require(LevelAuthenticated)(next)
}

// RequirePrivileged rejects anonymous requests with 401 and unprivileged ones with 403.
func (m *Middleware) RequirePrivileged(next http.Handler) http.Handler {
	return m.Require(LevelPrivileged)(next)
}

// Require returns middleware enforcing level.
func (m *Middleware) Require(level Level) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := m.resolver.Resolve(r.Context(), CredentialsFromRequest(r, m.cookieName))
			if err != nil {
				if KindOf(err) != KindAuthentication || level != LevelNone {
					WriteError(w, err)
					return
				}
				id = nil
			}

			if err := Require(id, level); err != nil {
				WriteError(w, err)
				return
			}

			if id != nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteError writes err as a JSON error body with the mapped status code.
func WriteError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="beacon"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": PublicMessage(err)})
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// SetSessionCookie stores token in the session cookie until expiresAt.
func (c CookieConfig) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (c CookieConfig) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
