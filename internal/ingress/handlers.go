package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"notifyhub/internal/apperr"
	"notifyhub/internal/authn"
	"notifyhub/internal/broker"
	"notifyhub/internal/notification"
	"notifyhub/internal/observability"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/store"
)

// NotificationStore is the C1 surface the ingress handlers need.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *notification.Notification) error
	GetNotification(ctx context.Context, id string) (*notification.Notification, error)
	ListByUser(ctx context.Context, userID string, filters store.ListFilters, page store.Page) ([]*notification.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
	SoftDelete(ctx context.Context, id, userID string) error
	GetPreference(ctx context.Context, userID, category string) (*notification.Preference, error)
	UpsertPreference(ctx context.Context, p *notification.Preference) error
	GetTemplate(ctx context.Context, templateID string, channel notification.Channel, locale string) (*notification.Template, error)
	UpsertTemplate(ctx context.Context, t *notification.Template) error
}

// Publisher is the C6 surface: hand a freshly persisted notification to
// the dispatcher's main queue.
type Publisher interface {
	PublishMain(msg broker.Message)
}

// DeadLetterAdmin is the C8 surface exposed to operators.
type DeadLetterAdmin interface {
	List(ctx context.Context, queue string, page store.Page) ([]*notification.DeadLetter, error)
	Replay(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error
}

// CleanupAdmin is the C9 surface exposed to operators: trigger the
// archive/cleanup sweep on demand and inspect its configuration and last
// outcome.
type CleanupAdmin interface {
	TriggerNow(ctx context.Context) (scheduler.CleanupResult, error)
	TriggerNowAsync(ctx context.Context) error
	TriggerUserNow(ctx context.Context, userID string) (scheduler.CleanupResult, error)
	Stats() (scheduler.CleanupResult, time.Time)
	Config() scheduler.Config
}

// ArchiveCursor is the restartable-iterator surface *store.ArchiveCursor
// implements, kept as an interface here so the export handler can be
// tested without a database.
type ArchiveCursor interface {
	Next(ctx context.Context) (*notification.Notification, bool, error)
}

// ArchiveExporter is the C1 surface the cleanup export endpoint streams
// from.
type ArchiveExporter interface {
	ExportArchived(afterID string, pageSize int) ArchiveCursor
}

// Handlers implements the C5 ingress contract's HTTP handlers.
type Handlers struct {
	store   NotificationStore
	pub     Publisher
	dlq     DeadLetterAdmin
	cleanup CleanupAdmin
	archive ArchiveExporter
	metrics *observability.Registry
}

func NewHandlers(store NotificationStore, pub Publisher, dlq DeadLetterAdmin, metrics *observability.Registry) *Handlers {
	return &Handlers{store: store, pub: pub, dlq: dlq, metrics: metrics}
}

// WithCleanup attaches the C9 scheduler's admin surface; kept as a separate
// setter rather than a NewHandlers parameter so Handlers can be built
// without a scheduler (cmd/server's wiring and the cleanup handler tests
// attach one with fakes; the other handler tests do not).
func (h *Handlers) WithCleanup(cleanup CleanupAdmin, archive ArchiveExporter) *Handlers {
	h.cleanup = cleanup
	h.archive = archive
	return h
}

type createNotificationRequest struct {
	UserID     string                       `json:"userId"`
	Type       string                       `json:"type"`
	Priority   notification.Priority        `json:"priority"`
	Title      string                       `json:"title"`
	Content    string                       `json:"content"`
	TemplateID string                       `json:"templateId"`
	Variables  notification.Variables       `json:"variables"`
	Locale     string                       `json:"locale"`
	Channels   []notification.Channel       `json:"channels"`
	Metadata   map[string]string            `json:"metadata"`
	MaxRetries int                          `json:"maxRetries"`
}

// CreateNotification is the ingestion entry point: validate, persist in
// PENDING, then hand off to the broker's main queue. The dispatcher (C6)
// is what actually evaluates policy and fans out to channels — this
// handler's job ends at a durable, queued record.
func (h *Handlers) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("INVALID_BODY", "could not parse request body"))
		return
	}
	if req.UserID == "" || req.Type == "" {
		writeError(w, r, apperr.Validation("MISSING_FIELDS", "userId and type are required"))
		return
	}
	if req.Priority == "" {
		req.Priority = notification.PriorityNormal
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = 3
	}

	now := time.Now()
	n := &notification.Notification{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Type:       req.Type,
		Priority:   req.Priority,
		Title:      req.Title,
		Content:    req.Content,
		TemplateID: req.TemplateID,
		Variables:  req.Variables,
		Locale:     req.Locale,
		Channels:   req.Channels,
		Metadata:   notification.Metadata(req.Metadata),
		State:      notification.StatePending,
		MaxRetries: req.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := h.store.InsertNotification(r.Context(), n); err != nil {
		writeError(w, r, err)
		return
	}

	h.pub.PublishMain(broker.Message{
		NotificationID: n.ID,
		Priority:       n.Priority.BrokerPriority(),
	})
	h.metrics.IncCounter("notifications_created_total", 1)

	writeSuccess(w, r, http.StatusCreated, n)
}

// ListNotifications returns a page of the caller's own notifications,
// optionally filtered by read state and type.
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot list another user's notifications"))
		return
	}

	filters := store.ListFilters{Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("isRead"); v != "" {
		b := v == "true"
		filters.IsRead = &b
	}
	page := store.Page{
		Number: atoiDefault(r.URL.Query().Get("page"), 1),
		Size:   atoiDefault(r.URL.Query().Get("pageSize"), 20),
	}

	list, err := h.store.ListByUser(r.Context(), userID, filters, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, list)
}

// MarkRead marks one notification as read on behalf of its owner.
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot modify another user's notification"))
		return
	}
	if err := h.store.MarkRead(r.Context(), id, userID); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"id": id, "status": "read"})
}

type bulkMarkReadRequest struct {
	IDs []string `json:"ids"`
}

// BulkMarkRead marks several of the caller's notifications as read in one
// call; individual failures don't abort the batch.
func (h *Handlers) BulkMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot modify another user's notifications"))
		return
	}
	var req bulkMarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Validation("INVALID_BODY", "could not parse request body"))
		return
	}

	failed := make([]string, 0)
	for _, id := range req.IDs {
		if err := h.store.MarkRead(r.Context(), id, userID); err != nil {
			failed = append(failed, id)
		}
	}
	writeSuccess(w, r, http.StatusOK, map[string]interface{}{"marked": len(req.IDs) - len(failed), "failed": failed})
}

// Delete soft-deletes one of the caller's notifications.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot delete another user's notification"))
		return
	}
	if err := h.store.SoftDelete(r.Context(), id, userID); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// GetPreferences returns the caller's resolved preference for a category
// ("" for the user-wide default tier).
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot view another user's preferences"))
		return
	}
	category := r.URL.Query().Get("category")
	pref, err := h.store.GetPreference(r.Context(), userID, category)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, pref)
}

// UpdatePreferences upserts the caller's preference row for a category.
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if !callerMayAct(r, userID) {
		writeError(w, r, apperr.Authz("FORBIDDEN", "cannot modify another user's preferences"))
		return
	}
	var pref notification.Preference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		writeError(w, r, apperr.Validation("INVALID_BODY", "could not parse request body"))
		return
	}
	pref.UserID = userID
	if err := h.store.UpsertPreference(r.Context(), &pref); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, pref)
}

// GetTemplate is an admin endpoint returning a single (templateId,
// channel, locale) definition.
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tmpl, err := h.store.GetTemplate(r.Context(), vars["templateID"], notification.Channel(r.URL.Query().Get("channel")), r.URL.Query().Get("locale"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, tmpl)
}

// UpsertTemplate is an admin endpoint creating or revising a template; the
// store bumps Version automatically, invalidating C2's compiled cache.
func (h *Handlers) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl notification.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeError(w, r, apperr.Validation("INVALID_BODY", "could not parse request body"))
		return
	}
	if err := h.store.UpsertTemplate(r.Context(), &tmpl); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, tmpl)
}

// ListDeadLetters is an admin endpoint listing DLQ entries for a queue
// ("" for all).
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	page := store.Page{
		Number: atoiDefault(r.URL.Query().Get("page"), 1),
		Size:   atoiDefault(r.URL.Query().Get("pageSize"), 20),
	}
	list, err := h.dlq.List(r.Context(), r.URL.Query().Get("queue"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, list)
}

// ReplayDeadLetter is an admin endpoint resubmitting a dead-lettered
// delivery for a fresh retry attempt.
func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.dlq.Replay(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"id": id, "status": "replayed"})
}

// PurgeDeadLetter is an admin endpoint discarding a dead-lettered delivery
// without replay.
func (h *Handlers) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.dlq.Purge(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"id": id, "status": "purged"})
}

// RunCleanup triggers the C9 archive/cleanup sweep synchronously and
// returns its CleanupResult. A sweep already in flight yields 409 Conflict.
func (h *Handlers) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("cleanup scheduler not configured")))
		return
	}
	result, err := h.cleanup.TriggerNow(r.Context())
	if err == scheduler.ErrAlreadyRunning {
		writeError(w, r, apperr.ConcurrentState("a cleanup sweep is already running"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, result)
}

// RunCleanupAsync starts the C9 archive/cleanup sweep in the background and
// returns immediately (202 Accepted).
func (h *Handlers) RunCleanupAsync(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("cleanup scheduler not configured")))
		return
	}
	if err := h.cleanup.TriggerNowAsync(r.Context()); err != nil {
		if err == scheduler.ErrAlreadyRunning {
			writeError(w, r, apperr.ConcurrentState("a cleanup sweep is already running"))
			return
		}
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, map[string]string{"status": "started"})
}

// RunCleanupForUser triggers a cleanup sweep scoped to a single user.
func (h *Handlers) RunCleanupForUser(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("cleanup scheduler not configured")))
		return
	}
	userID := mux.Vars(r)["id"]
	result, err := h.cleanup.TriggerUserNow(r.Context(), userID)
	if err == scheduler.ErrAlreadyRunning {
		writeError(w, r, apperr.ConcurrentState("a cleanup sweep is already running"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, result)
}

// CleanupStats returns the outcome and timestamp of the most recent cleanup
// pass, whether triggered by the ticker or an admin call.
func (h *Handlers) CleanupStats(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("cleanup scheduler not configured")))
		return
	}
	result, lastRunAt := h.cleanup.Stats()
	writeSuccess(w, r, http.StatusOK, map[string]interface{}{
		"lastResult": result,
		"lastRunAt":  lastRunAt,
	})
}

// CleanupExport streams a page of archived notifications, resuming after
// the id in the "after" query parameter.
func (h *Handlers) CleanupExport(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("archive export not configured")))
		return
	}
	pageSize := atoiDefault(r.URL.Query().Get("pageSize"), 100)
	cursor := h.archive.ExportArchived(r.URL.Query().Get("after"), pageSize)

	rows := make([]*notification.Notification, 0, pageSize)
	for len(rows) < pageSize {
		n, ok, err := cursor.Next(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			break
		}
		rows = append(rows, n)
	}
	writeSuccess(w, r, http.StatusOK, rows)
}

// CleanupConfig returns the scheduler's current sweep cadence and retention
// windows.
func (h *Handlers) CleanupConfig(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		writeError(w, r, apperr.Internal(fmt.Errorf("cleanup scheduler not configured")))
		return
	}
	writeSuccess(w, r, http.StatusOK, h.cleanup.Config())
}

// Health is the liveness probe; readiness is handled by C10's observability
// surface, which actually exercises the store/cache connections.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// callerMayAct reports whether the authenticated caller may act on behalf
// of userID: the user themself, or a Service principal with the
// notification.send scope (service-to-service calls act on any user).
func callerMayAct(r *http.Request, userID string) bool {
	p := Principal(r)
	switch p.Kind {
	case authn.KindUser:
		return p.UserID == userID
	case authn.KindService:
		return p.HasScope(authn.ScopeNotificationSend)
	default:
		return false
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
