package ingress

import (
	"net/http"

	"github.com/gorilla/mux"

	"notifyhub/internal/authn"
	"notifyhub/internal/logger"
	"notifyhub/internal/observability"
	"notifyhub/internal/ratelimit"
)

// Config bundles the collaborators NewRouter wires into the middleware
// chain and route table.
type Config struct {
	Handlers        *Handlers
	Verifier        *authn.Verifier
	APIKeys         *authn.APIKeys
	Blacklist       *authn.Blacklist
	Limiter         *ratelimit.Limiter
	AllowedOrigins  []string
	Log             *logger.Logger
	Health          *observability.HealthService
	Metrics         *observability.Registry
}

// NewRouter builds the full gorilla/mux route table with its middleware
// chain: request-id, security headers, panic recovery, logging and CORS
// apply globally; auth resolution runs before every route so handlers and
// per-route authority checks can read the Principal; rate limiting is
// scoped per route to the operation class that route belongs to.
func NewRouter(cfg Config) http.Handler {
	r := mux.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(securityHeaders)
	r.Use(recoverMiddleware(cfg.Log))
	r.Use(loggingMiddleware(cfg.Log))
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(authMiddleware(cfg.Verifier, cfg.APIKeys, cfg.Blacklist))

	h := cfg.Handlers
	read := rateLimitMiddleware(cfg.Limiter, ratelimit.ClassRead)
	write := rateLimitMiddleware(cfg.Limiter, ratelimit.ClassWrite)
	admin := rateLimitMiddleware(cfg.Limiter, ratelimit.ClassAdmin)
	public := rateLimitMiddleware(cfg.Limiter, ratelimit.ClassPublic)
	requireUser := requireAuthority(authn.AuthorityUser)
	requireAdmin := requireAuthority(authn.AuthorityAdmin)

	if cfg.Health != nil {
		r.Handle("/healthz", public(observability.LivenessHandler(cfg.Health))).Methods(http.MethodGet)
		r.Handle("/readyz", public(observability.ReadinessHandler(cfg.Health))).Methods(http.MethodGet)
	} else {
		r.Handle("/healthz", public(http.HandlerFunc(h.Health))).Methods(http.MethodGet)
		r.Handle("/readyz", public(http.HandlerFunc(h.Health))).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", public(observability.MetricsHandler(cfg.Metrics))).Methods(http.MethodGet)
	}

	r.Handle("/notifications", write(requireUser(http.HandlerFunc(h.CreateNotification)))).Methods(http.MethodPost)
	r.Handle("/users/{userID}/notifications", read(requireUser(http.HandlerFunc(h.ListNotifications)))).Methods(http.MethodGet)
	r.Handle("/users/{userID}/notifications/bulk-read", write(requireUser(http.HandlerFunc(h.BulkMarkRead)))).Methods(http.MethodPost)
	r.Handle("/users/{userID}/notifications/{id}/read", write(requireUser(http.HandlerFunc(h.MarkRead)))).Methods(http.MethodPost)
	r.Handle("/users/{userID}/notifications/{id}", write(requireUser(http.HandlerFunc(h.Delete)))).Methods(http.MethodDelete)

	r.Handle("/users/{userID}/preferences", read(requireUser(http.HandlerFunc(h.GetPreferences)))).Methods(http.MethodGet)
	r.Handle("/users/{userID}/preferences", write(requireUser(http.HandlerFunc(h.UpdatePreferences)))).Methods(http.MethodPut)

	r.Handle("/admin/templates/{templateID}", admin(requireAdmin(http.HandlerFunc(h.GetTemplate)))).Methods(http.MethodGet)
	r.Handle("/admin/templates", admin(requireAdmin(http.HandlerFunc(h.UpsertTemplate)))).Methods(http.MethodPost, http.MethodPut)

	r.Handle("/admin/dlq", admin(requireAdmin(http.HandlerFunc(h.ListDeadLetters)))).Methods(http.MethodGet)
	r.Handle("/admin/dlq/{id}/replay", admin(requireAdmin(http.HandlerFunc(h.ReplayDeadLetter)))).Methods(http.MethodPost)
	r.Handle("/admin/dlq/{id}", admin(requireAdmin(http.HandlerFunc(h.PurgeDeadLetter)))).Methods(http.MethodDelete)

	r.Handle("/admin/cleanup/run", admin(requireAdmin(http.HandlerFunc(h.RunCleanup)))).Methods(http.MethodPost)
	r.Handle("/admin/cleanup/run-async", admin(requireAdmin(http.HandlerFunc(h.RunCleanupAsync)))).Methods(http.MethodPost)
	r.Handle("/admin/cleanup/user/{id}", admin(requireAdmin(http.HandlerFunc(h.RunCleanupForUser)))).Methods(http.MethodPost)
	r.Handle("/admin/cleanup/stats", admin(requireAdmin(http.HandlerFunc(h.CleanupStats)))).Methods(http.MethodGet)
	r.Handle("/admin/cleanup/export", admin(requireAdmin(http.HandlerFunc(h.CleanupExport)))).Methods(http.MethodGet)
	r.Handle("/admin/cleanup/config", admin(requireAdmin(http.HandlerFunc(h.CleanupConfig)))).Methods(http.MethodGet)

	return r
}
