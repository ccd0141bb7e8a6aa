package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
)

// GetTemplate returns the template row for (templateID, channel, locale).
func (s *Store) GetTemplate(ctx context.Context, templateID string, channel notification.Channel, locale string) (*notification.Template, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT template_id, channel, locale, subject, body, is_html, version, required_vars
		FROM notification_templates WHERE template_id = ? AND channel = ? AND locale = ?`,
		templateID, string(channel), locale)

	var t notification.Template
	var ch, subject, requiredVars sql.NullString
	err := row.Scan(&t.TemplateID, &ch, &t.Locale, &subject, &t.Body, &t.HTML, &t.Version, &requiredVars)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("TEMPLATE_NOT_FOUND", fmt.Sprintf("no template %s/%s/%s", templateID, channel, locale))
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get template: %w", err))
	}
	t.Channel = notification.Channel(ch.String)
	t.Subject = subject.String
	t.RequiredVars = splitRequiredVars(requiredVars.String)
	return &t, nil
}

func splitRequiredVars(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UpsertTemplate writes the row, bumping Version by one relative to any
// existing row (the render cache (C2) uses template_version as part of its
// cache key, so a bump here invalidates stale cached renders).
func (s *Store) UpsertTemplate(ctx context.Context, t *notification.Template) error {
	existing, err := s.GetTemplate(ctx, t.TemplateID, t.Channel, t.Locale)
	nextVersion := int64(1)
	if err == nil {
		nextVersion = existing.Version + 1
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return err
	}

	requiredVars := strings.Join(t.RequiredVars, ",")

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO notification_templates (template_id, channel, locale, subject, body, is_html, version, required_vars)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(template_id, channel, locale) DO UPDATE SET
			subject = excluded.subject, body = excluded.body, is_html = excluded.is_html,
			version = excluded.version, required_vars = excluded.required_vars`,
		t.TemplateID, string(t.Channel), t.Locale, t.Subject, t.Body, t.HTML, nextVersion, requiredVars)
	if err != nil {
		if s.Driver == DriverMySQL {
			_, err = s.DB.ExecContext(ctx, `
				INSERT INTO notification_templates (template_id, channel, locale, subject, body, is_html, version, required_vars)
				VALUES (?,?,?,?,?,?,?,?)
				ON DUPLICATE KEY UPDATE subject=VALUES(subject), body=VALUES(body), is_html=VALUES(is_html),
					version=VALUES(version), required_vars=VALUES(required_vars)`,
				t.TemplateID, string(t.Channel), t.Locale, t.Subject, t.Body, t.HTML, nextVersion, requiredVars)
		}
		if err != nil {
			return apperr.Internal(fmt.Errorf("upsert template: %w", err))
		}
	}
	t.Version = nextVersion
	return nil
}
