package auth

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ClientIPContextKey is the context key for the resolved client IP.
type ClientIPContextKey struct{}

// WithClientIP stores the resolved client IP in the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPContextKey{}, ip)
}

// ClientIPFromContext retrieves the client IP resolved by the client IP
// middleware, or empty when the middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ClientIPContextKey{}).(string)
	return ip
}

// ClientIPMiddleware resolves the client IP once per request and makes
// it available through the context, for token history attribution and
// request logs.
func ClientIPMiddleware(proxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), ResolveClientIP(r, proxies))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveClientIP finds the real client address behind the ingress.
// X-Forwarded-For is walked right to left, skipping addresses inside
// the trusted proxy ranges; the first remaining entry is the client.
// When every entry is infrastructure the leftmost is used, and with no
// header at all the connection's remote address is.
func ResolveClientIP(r *http.Request, proxies []*net.IPNet) string {
	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, entry := range strings.Split(header, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				hops = append(hops, entry)
			}
		}
	}

	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(hops[i])
		if ip == nil || !containsIP(proxies, ip) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func containsIP(networks []*net.IPNet, ip net.IP) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
