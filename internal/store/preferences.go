package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
)

// GetPreference returns the preference row for (userID, category). Category
// "" looks up the user-wide default tier (user, *).
func (s *Store) GetPreference(ctx context.Context, userID, category string) (*notification.Preference, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT user_id, category, channels_enabled_json, frequency,
		quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone
		FROM notification_preferences WHERE user_id = ? AND category = ?`, userID, category)

	var (
		p               notification.Preference
		channelsJSON    sql.NullString
		frequency       string
		qhEnabled       bool
		qhStart, qhEnd, qhTZ sql.NullString
	)
	err := row.Scan(&p.UserID, &p.Category, &channelsJSON, &frequency, &qhEnabled, &qhStart, &qhEnd, &qhTZ)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("PREFERENCE_NOT_FOUND", "no preference row for this user/category")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get preference: %w", err))
	}

	p.Frequency = notification.Frequency(frequency)
	p.QuietHours = notification.QuietHours{
		Enabled:  qhEnabled,
		Start:    qhStart.String,
		End:      qhEnd.String,
		Timezone: qhTZ.String,
	}
	if channelsJSON.Valid {
		_ = json.Unmarshal([]byte(channelsJSON.String), &p.ChannelsEnabled)
	}
	return &p, nil
}

// ResolvePreference implements the most-specific-wins tie-break:
// (user, category) beats (user, *) beats an in-process built-in default.
func (s *Store) ResolvePreference(ctx context.Context, userID, category string) (*notification.Preference, error) {
	if category != "" {
		if p, err := s.GetPreference(ctx, userID, category); err == nil {
			return p, nil
		} else if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	if p, err := s.GetPreference(ctx, userID, ""); err == nil {
		return p, nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	return &notification.Preference{
		UserID:          userID,
		Category:        category,
		ChannelsEnabled: notification.AllChannels,
		Frequency:       notification.FrequencyImmediate,
		QuietHours:      notification.QuietHours{Enabled: false},
	}, nil
}

// UpsertPreference writes or replaces the preference row for (UserID, Category).
func (s *Store) UpsertPreference(ctx context.Context, p *notification.Preference) error {
	channelsJSON, _ := json.Marshal(p.ChannelsEnabled)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notification_preferences
			(user_id, category, channels_enabled_json, frequency, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, category) DO UPDATE SET
			channels_enabled_json = excluded.channels_enabled_json,
			frequency = excluded.frequency,
			quiet_hours_enabled = excluded.quiet_hours_enabled,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			quiet_hours_timezone = excluded.quiet_hours_timezone`,
		p.UserID, p.Category, string(channelsJSON), string(p.Frequency),
		p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End, p.QuietHours.Timezone,
	)
	if err != nil {
		// MySQL doesn't support "ON CONFLICT"; fall back to its upsert syntax.
		if s.Driver == DriverMySQL {
			_, err = s.DB.ExecContext(ctx, `
				INSERT INTO notification_preferences
					(user_id, category, channels_enabled_json, frequency, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, quiet_hours_timezone)
				VALUES (?,?,?,?,?,?,?,?)
				ON DUPLICATE KEY UPDATE
					channels_enabled_json = VALUES(channels_enabled_json),
					frequency = VALUES(frequency),
					quiet_hours_enabled = VALUES(quiet_hours_enabled),
					quiet_hours_start = VALUES(quiet_hours_start),
					quiet_hours_end = VALUES(quiet_hours_end),
					quiet_hours_timezone = VALUES(quiet_hours_timezone)`,
				p.UserID, p.Category, string(channelsJSON), string(p.Frequency),
				p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End, p.QuietHours.Timezone,
			)
		}
		if err != nil {
			return apperr.Internal(fmt.Errorf("upsert preference: %w", err))
		}
	}
	return nil
}
