package ingress

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/apperr"
	"notifyhub/internal/authn"
	"notifyhub/internal/logger"
	"notifyhub/internal/ratelimit"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyPrincipal
)

func requestID(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// Principal returns the authenticated principal attached to the request,
// or authn.Anonymous if none was resolved.
func Principal(r *http.Request) authn.Principal {
	if v, ok := r.Context().Value(ctxKeyPrincipal).(authn.Principal); ok {
		return v
	}
	return authn.Anonymous
}

// requestIDMiddleware stamps every request with a uuid-based correlation
// id, generalizing internal/api/middleware.go's generateRequestID helper
// onto google/uuid instead of a timestamp-derived string.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeaders mirrors internal/middleware/middleware.go's Secure
// middleware's intent (set security headers on every response) without
// the session/CSRF machinery this service doesn't carry.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts a panic into a uniform 500 envelope instead
// of a crashed connection, per internal/middleware/middleware.go's
// ErrorHandlingMiddleware.
func recoverMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
					writeError(w, r, apperr.Internal(nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs method, path and status per
// internal/middleware/middleware.go's LoggingMiddleware.
func loggingMiddleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			log.Info("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// corsMiddleware is a permissive-by-allowlist CORS handler, per
// internal/middleware/middleware.go's CORSMiddleware.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Source-Service")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware resolves Authorization: Bearer or X-API-Key/X-Source-Service
// into a Principal, preferring the API key when both are present (service
// callers may carry a stale user token from a proxied request); the bearer
// token is tried only when no API key resolves. Unresolvable
// credentials leave the request Anonymous rather than rejecting outright —
// per-route authority checks decide whether Anonymous may proceed.
func authMiddleware(verifier *authn.Verifier, apiKeys *authn.APIKeys, blacklist *authn.Blacklist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := authn.Anonymous

			if key := r.Header.Get("X-API-Key"); key != "" {
				if p, err := apiKeys.Verify(r.Header.Get("X-Source-Service"), key); err == nil {
					principal = p
				}
			}
			if principal.Kind == authn.KindAnonymous {
				if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
					if p, err := verifier.VerifyBearer(authz); err == nil {
						if p.TokenID != "" && blacklist.IsBlacklisted(r.Context(), p.TokenID) {
							writeError(w, r, apperr.Authn("TOKEN_REVOKED", "token has been revoked"))
							return
						}
						principal = p
					}
				}
			}

			ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware enforces the token-bucket rule for class, keyed by
// principal (falling back to remote address for Anonymous), and sets the
// Retry-After header on breach per C4's contract.
func rateLimitMiddleware(limiter *ratelimit.Limiter, class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ratelimit.IsExcluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := principalKey(r)
			decision, err := limiter.AllowDecision(r.Context(), key, class)
			if err != nil {
				next.ServeHTTP(w, r) // fail open on limiter outage
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
				writeError(w, r, apperr.RateLimited(decision.RetryAfterSeconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalKey(r *http.Request) string {
	p := Principal(r)
	switch p.Kind {
	case authn.KindUser:
		return "user:" + p.UserID
	case authn.KindService:
		return "service:" + p.ServiceName
	default:
		return "anon:" + r.RemoteAddr
	}
}

// requireAuthority rejects the request unless the resolved principal is a
// User carrying authority a, or (for any authority other than ADMIN) a
// Service carrying scope authn.ScopeNotificationSend (service callers act on
// a user's behalf and are trusted for the write path per the
// service-to-service contract). An Anonymous request is rejected as
// unauthenticated (401); any other principal lacking the authority gets 403.
func requireAuthority(a authn.Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := Principal(r)
			switch {
			case p.Kind == authn.KindUser && p.HasAuthority(a):
			case p.Kind == authn.KindService && a != authn.AuthorityAdmin && p.HasScope(authn.ScopeNotificationSend):
			case p.Kind == authn.KindAnonymous:
				writeError(w, r, apperr.Authn("UNAUTHENTICATED", "authentication required"))
				return
			default:
				writeError(w, r, apperr.Authz("FORBIDDEN", "insufficient authority for this operation"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
