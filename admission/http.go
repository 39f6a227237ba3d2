package admission

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Shexroz002/rate-limit/limiter"
)

// HeaderUserID carries the caller identity for user keyed policies.
const HeaderUserID = "X-User-ID"

// HTTP wraps next so every request is checked before it reaches the handler.
// Rejected requests get 429 with a Retry-After header and never reach next.
func (a *Admitter) HTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		decision := a.Admit(r.Context(), limiter.RequestDescriptor{
			ClientIP: ClientIP(r, a.trustProxy),
			UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
			Path:     r.URL.Path,
			Method:   r.Method,
		})
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfter, 10))
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(RejectMessage))
			return
		}

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), decision)))
	})
}

// ClientIP returns the address requests from r are counted against.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
