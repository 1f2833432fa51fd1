package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info describes how a request was authenticated. Tenant is empty for
// localhost requests; handlers then fall back to a tenant the caller names.
type Info struct {
	Mode      Mode
	Tenant    string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// WithInfo attaches info to ctx. Tests and embedded callers use it to skip
// the middleware.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// Tenant resolves the request's tenant: the key's tenant when one was
// presented, otherwise the named one, otherwise DefaultTenant.
func Tenant(ctx context.Context, named string) string {
	if info, ok := FromContext(ctx); ok && info.Tenant != "" {
		return info.Tenant
	}
	if named = strings.TrimSpace(named); named != "" {
		return named
	}
	return DefaultTenant
}

func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tenant, ok := authorize(r, ring); ok {
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Mode: ModeAPIKey, Tenant: tenant})))
				return
			}
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				next.ServeHTTP(w, r.WithContext(WithInfo(r.Context(), Info{Mode: ModeLocalhost, Localhost: true})))
				return
			}
			writeUnauthorized(w)
		})
	}
}

// authorize accepts a bearer header, or a key query parameter for browser
// websocket handshakes that cannot set headers.
func authorize(r *http.Request, ring *Keyring) (string, bool) {
	key := bearer(r.Header.Get("Authorization"))
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("key"))
	}
	if key == "" {
		return "", false
	}
	return ring.TenantForKey(key)
}

func bearer(header string) string {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": http.StatusUnauthorized, "msg": "unauthorized", "data": nil})
}

func isLocalRequest(r *http.Request) bool {
	if ip := forwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.IsLoopback()
		}
		if strings.EqualFold(ip, "localhost") {
			return true
		}
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

func forwardedFor(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[0])
}
