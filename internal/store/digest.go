package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"notifyhub/internal/apperr"
)

// AppendDigestBuffer adds notificationID to the buffered set for
// (userID, category, bucket), creating the row if absent. This is the
// deferral path for non-IMMEDIATE frequencies (see DESIGN.md's Open
// Question resolution) — no digest emission worker is built, only the
// buffering side.
func (s *Store) AppendDigestBuffer(ctx context.Context, userID, category string, bucket time.Time, notificationID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(fmt.Errorf("begin digest tx: %w", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT notification_ids_json FROM digest_buffers WHERE user_id=? AND category=? AND bucket=?`,
		userID, category, bucket)

	var existingJSON sql.NullString
	err = row.Scan(&existingJSON)
	var ids []string
	switch {
	case err == sql.ErrNoRows:
		ids = []string{}
	case err != nil:
		return apperr.Internal(fmt.Errorf("read digest buffer: %w", err))
	default:
		if existingJSON.Valid {
			_ = json.Unmarshal([]byte(existingJSON.String), &ids)
		}
	}

	for _, id := range ids {
		if id == notificationID {
			return tx.Commit()
		}
	}
	ids = append(ids, notificationID)
	idsJSON, _ := json.Marshal(ids)

	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `INSERT INTO digest_buffers (user_id, category, bucket, notification_ids_json) VALUES (?,?,?,?)`,
			userID, category, bucket, string(idsJSON))
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE digest_buffers SET notification_ids_json=? WHERE user_id=? AND category=? AND bucket=?`,
			string(idsJSON), userID, category, bucket)
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("write digest buffer: %w", err))
	}
	return tx.Commit()
}

// GetDigestBuffer returns the buffered notification ids for a bucket, or an
// empty slice if no buffer exists yet.
func (s *Store) GetDigestBuffer(ctx context.Context, userID, category string, bucket time.Time) ([]string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT notification_ids_json FROM digest_buffers WHERE user_id=? AND category=? AND bucket=?`,
		userID, category, bucket)

	var idsJSON sql.NullString
	err := row.Scan(&idsJSON)
	if err == sql.ErrNoRows {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get digest buffer: %w", err))
	}
	var ids []string
	if idsJSON.Valid {
		_ = json.Unmarshal([]byte(idsJSON.String), &ids)
	}
	return ids, nil
}
