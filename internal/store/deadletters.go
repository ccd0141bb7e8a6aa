package store

import (
	"context"
	"database/sql"
	"fmt"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
)

// InsertDeadLetter records a terminally-failed delivery attempt.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *notification.DeadLetter) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO dead_letters (id, notification_id, queue, original_payload, first_error, last_error, attempt_count, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		dl.ID, dl.NotificationID, dl.Queue, dl.OriginalPayload, dl.FirstError, dl.LastError, dl.AttemptCount, dl.CreatedAt)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return apperr.Internal(fmt.Errorf("insert dead letter: %w", err))
	}
	return nil
}

// ListDeadLetters returns dead letters for a queue (or all queues if queue
// is ""), most recent first, used by the admin replay/purge endpoints (C8).
func (s *Store) ListDeadLetters(ctx context.Context, queue string, page Page) ([]*notification.DeadLetter, error) {
	page = page.normalized()

	var rows *sql.Rows
	var err error
	if queue == "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, notification_id, queue, original_payload, first_error, last_error, attempt_count, created_at
			FROM dead_letters ORDER BY created_at DESC LIMIT ? OFFSET ?`, page.Size, (page.Number-1)*page.Size)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, notification_id, queue, original_payload, first_error, last_error, attempt_count, created_at
			FROM dead_letters WHERE queue = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, queue, page.Size, (page.Number-1)*page.Size)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list dead letters: %w", err))
	}
	defer rows.Close()

	var out []*notification.DeadLetter
	for rows.Next() {
		var dl notification.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.NotificationID, &dl.Queue, &dl.OriginalPayload, &dl.FirstError, &dl.LastError, &dl.AttemptCount, &dl.CreatedAt); err != nil {
			return nil, apperr.Internal(fmt.Errorf("scan dead letter: %w", err))
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// GetDeadLetter fetches a single dead letter by id for replay.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*notification.DeadLetter, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, notification_id, queue, original_payload, first_error, last_error, attempt_count, created_at
		FROM dead_letters WHERE id = ?`, id)

	var dl notification.DeadLetter
	err := row.Scan(&dl.ID, &dl.NotificationID, &dl.Queue, &dl.OriginalPayload, &dl.FirstError, &dl.LastError, &dl.AttemptCount, &dl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("DEAD_LETTER_NOT_FOUND", "dead letter not found")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get dead letter: %w", err))
	}
	return &dl, nil
}

// PurgeDeadLetter permanently removes a dead letter after a successful
// replay or an operator-initiated discard.
func (s *Store) PurgeDeadLetter(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return apperr.Internal(fmt.Errorf("purge dead letter: %w", err))
	}
	return nil
}
