// Package render is the template cache and renderer (C2): compiled
// templates are kept in a process-local patrickmn/go-cache instance (the
// same library internal/database's CacheRepository uses for record
// caching), backed by a shared go-redis/redis/v8 cache for rendered output
// so repeat renders of the same (template, locale, channel, variables)
// tuple across instances don't re-render from scratch.
//
// The template's HTML flag, not the channel, selects the engine: a
// template flagged HTML uses html/template (auto-escaping), any other uses
// text/template (raw, since push/SMS payloads are not HTML documents).
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
	"notifyhub/internal/observability"
)

// TemplateSource resolves the raw template definition for a
// (templateID, channel, locale) tuple. Implemented by *store.Store in
// production; kept as an interface here so render tests don't need a
// database.
type TemplateSource interface {
	GetTemplate(ctx context.Context, templateID string, channel notification.Channel, locale string) (*notification.Template, error)
}

// Output is a rendered notification body ready for channel delivery.
type Output struct {
	Subject string // EMAIL only
	Body    string
}

// Renderer owns the two-tier cache and the compiled-template registry.
type Renderer struct {
	source TemplateSource

	mu       sync.RWMutex
	compiled map[string]*compiledTemplate // keyed by templateID/channel/locale/version

	localCache  *gocache.Cache
	sharedCache *redis.Client // may be nil: shared cache is best-effort
	metrics     *observability.Registry
}

type compiledTemplate struct {
	version      int64
	html         *template.Template
	text         *texttemplate.Template
	subject      string
	isHTML       bool
	requiredVars []string
}

// New builds a Renderer. sharedCache may be nil, in which case rendering
// still works but without cross-instance dedup. metrics may be nil.
func New(source TemplateSource, localTTL, sharedTTL time.Duration, sharedCache *redis.Client, metrics *observability.Registry) *Renderer {
	return &Renderer{
		source:      source,
		compiled:    make(map[string]*compiledTemplate),
		localCache:  gocache.New(localTTL, localTTL*2),
		sharedCache: sharedCache,
		metrics:     metrics,
	}
}

var sharedRenderTTL = 1 * time.Hour

// Render produces the channel-appropriate body for a notification. It is
// pure for a fixed (template id, version, channel, locale, sorted
// variables) tuple — the cache key is built from exactly those
// components.
func (r *Renderer) Render(ctx context.Context, n *notification.Notification, ch notification.Channel) (*Output, error) {
	tmpl, err := r.loadCompiled(ctx, n.TemplateID, ch, n.Locale)
	if err != nil {
		return nil, err
	}

	varsKey, err := n.Variables.SortedJSON()
	if err != nil {
		return nil, apperr.TemplateFatal("BAD_VARIABLES", "notification variables are not serializable")
	}
	cacheKey := renderCacheKey(n.TemplateID, tmpl.version, ch, n.Locale, varsKey)

	if cached, ok := r.localCache.Get(cacheKey); ok {
		out := cached.(Output)
		r.metrics.IncCounter("cache.hits", 1)
		return &out, nil
	}
	if r.sharedCache != nil {
		if body, err := r.sharedCache.Get(ctx, cacheKey).Result(); err == nil {
			out := Output{Subject: tmpl.subject, Body: body}
			r.localCache.SetDefault(cacheKey, out)
			r.metrics.IncCounter("cache.hits", 1)
			return &out, nil
		}
	}
	r.metrics.IncCounter("cache.misses", 1)

	out, err := r.execute(tmpl, n)
	if err != nil {
		return nil, err
	}

	r.localCache.SetDefault(cacheKey, *out)
	if r.sharedCache != nil {
		r.sharedCache.Set(ctx, cacheKey, out.Body, sharedRenderTTL)
	}
	return out, nil
}

func (r *Renderer) execute(tmpl *compiledTemplate, n *notification.Notification) (*Output, error) {
	var buf bytes.Buffer
	data := renderData(n)

	if missing := firstMissingVariable(tmpl.requiredVars, data); missing != "" {
		return nil, apperr.MissingVariable(missing)
	}

	if tmpl.isHTML {
		if err := tmpl.html.Execute(&buf, data); err != nil {
			return nil, missingKeyOrFatal(err)
		}
	} else {
		if err := tmpl.text.Execute(&buf, data); err != nil {
			return nil, missingKeyOrFatal(err)
		}
	}

	subject := tmpl.subject
	if subject != "" {
		st, err := texttemplate.New("subject").Parse(subject)
		if err != nil {
			return nil, apperr.TemplateFatal("RENDER_FAILED", err.Error())
		}
		var sbuf bytes.Buffer
		if err := st.Execute(&sbuf, data); err != nil {
			return nil, apperr.TemplateFatal("RENDER_FAILED", err.Error())
		}
		subject = sbuf.String()
	}

	return &Output{Subject: subject, Body: buf.String()}, nil
}

// firstMissingVariable returns the first name in required not present in
// data, or "" if all are present. Checked before Execute so a missing
// required variable is reported as apperr.KindMissingVariable rather than
// whatever text/template's generic execution error happens to say.
func firstMissingVariable(required []string, data map[string]interface{}) string {
	for _, name := range required {
		if _, ok := data[name]; !ok {
			return name
		}
	}
	return ""
}

// missingKeyOrFatal classifies a template execution error: with
// Option("missingkey=error") set on every compiled template, a reference to
// an undeclared variable surfaces here as a backstop behind
// firstMissingVariable's pre-check (which only covers declared
// RequiredVars). Anything else is a generic render failure.
func missingKeyOrFatal(err error) error {
	if strings.Contains(err.Error(), "map has no entry for key") {
		return apperr.MissingVariable(extractMissingKey(err.Error()))
	}
	return apperr.TemplateFatal("RENDER_FAILED", err.Error())
}

func extractMissingKey(msg string) string {
	const marker = `"`
	first := strings.Index(msg, marker)
	if first == -1 {
		return "unknown"
	}
	rest := msg[first+1:]
	last := strings.Index(rest, marker)
	if last == -1 {
		return "unknown"
	}
	return rest[:last]
}

// renderData exposes both the raw variable map and a handful of
// notification fields to the template.
func renderData(n *notification.Notification) map[string]interface{} {
	data := make(map[string]interface{}, len(n.Variables)+4)
	for k, v := range n.Variables {
		data[k] = v
	}
	data["Title"] = n.Title
	data["Content"] = n.Content
	data["UserID"] = n.UserID
	data["Type"] = n.Type
	return data
}

func (r *Renderer) loadCompiled(ctx context.Context, templateID string, ch notification.Channel, locale string) (*compiledTemplate, error) {
	row, err := r.source.GetTemplate(ctx, templateID, ch, locale)
	if err != nil {
		return nil, err
	}

	key := compiledKey(templateID, ch, locale)

	r.mu.RLock()
	cached, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok && cached.version == row.Version {
		return cached, nil
	}

	ct := &compiledTemplate{version: row.Version, subject: row.Subject, isHTML: row.HTML, requiredVars: row.RequiredVars}
	if row.HTML {
		t, err := template.New(key).Option("missingkey=error").Parse(row.Body)
		if err != nil {
			return nil, apperr.TemplateFatal("TEMPLATE_PARSE_FAILED", err.Error())
		}
		ct.html = t
	} else {
		t, err := texttemplate.New(key).Option("missingkey=error").Parse(row.Body)
		if err != nil {
			return nil, apperr.TemplateFatal("TEMPLATE_PARSE_FAILED", err.Error())
		}
		ct.text = t
	}

	r.mu.Lock()
	r.compiled[key] = ct
	r.mu.Unlock()

	return ct, nil
}

// CompiledCount returns the number of distinct (template, channel, locale)
// entries currently held in the compiled-template registry, consumed by
// the scheduler's periodic cache-stats log line.
func (r *Renderer) CompiledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.compiled)
}

func compiledKey(templateID string, ch notification.Channel, locale string) string {
	return fmt.Sprintf("%s/%s/%s", templateID, ch, locale)
}

func renderCacheKey(templateID string, version int64, ch notification.Channel, locale, varsJSON string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%s", templateID, version, ch, locale, varsJSON)))
	return "render:" + hex.EncodeToString(h[:])
}
