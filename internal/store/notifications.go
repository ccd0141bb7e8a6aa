package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"notifyhub/internal/apperr"
	"notifyhub/internal/notification"
)

// InsertNotification is idempotent by id: if a row with this id already
// exists, it is left untouched and no error is returned — applying it
// twice yields one record.
func (s *Store) InsertNotification(ctx context.Context, n *notification.Notification) error {
	existing, err := s.GetNotification(ctx, n.ID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	variablesJSON, _ := json.Marshal(n.Variables)
	channelsJSON, _ := json.Marshal(n.Channels)
	metadataJSON, _ := json.Marshal(n.Metadata)
	metadataMapJSON, _ := json.Marshal(n.MetadataMap)

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO notifications (
			id, user_id, type, priority, title, content, template_id,
			variables_json, locale, channels_json, metadata_json, metadata_map_json,
			state, attempts, max_retries, last_error, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Type, string(n.Priority), n.Title, n.Content, n.TemplateID,
		string(variablesJSON), n.Locale, string(channelsJSON), string(metadataJSON), string(metadataMapJSON),
		string(n.State), n.Attempts, n.MaxRetries, n.LastError, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return nil
		}
		return apperr.Internal(fmt.Errorf("insert notification: %w", err))
	}
	return nil
}

// GetNotification returns a single notification by id, including
// soft-deleted rows (callers that must respect soft-delete use ListByUser
// or check DeletedAt themselves).
func (s *Store) GetNotification(ctx context.Context, id string) (*notification.Notification, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, type, priority, title, content, template_id,
			variables_json, locale, channels_json, metadata_json, metadata_map_json,
			state, attempts, max_retries, last_error, created_at, updated_at, sent_at, read_at, deleted_at
		FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("NOTIFICATION_NOT_FOUND", "notification not found")
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("get notification: %w", err))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*notification.Notification, error) {
	var (
		n                                                 notification.Notification
		priority, state                                   string
		variablesJSON, channelsJSON, metaJSON, metaMapJSON sql.NullString
		sentAt, readAt, deletedAt                         sql.NullTime
	)

	if err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &priority, &n.Title, &n.Content, &n.TemplateID,
		&variablesJSON, &n.Locale, &channelsJSON, &metaJSON, &metaMapJSON,
		&state, &n.Attempts, &n.MaxRetries, &n.LastError, &n.CreatedAt, &n.UpdatedAt, &sentAt, &readAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	n.Priority = notification.Priority(priority)
	n.State = notification.State(state)
	if variablesJSON.Valid {
		_ = json.Unmarshal([]byte(variablesJSON.String), &n.Variables)
	}
	if channelsJSON.Valid {
		_ = json.Unmarshal([]byte(channelsJSON.String), &n.Channels)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &n.Metadata)
	}
	if metaMapJSON.Valid {
		_ = json.Unmarshal([]byte(metaMapJSON.String), &n.MetadataMap)
	}
	if sentAt.Valid {
		t := sentAt.Time
		n.SentAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		n.DeletedAt = &t
	}
	return &n, nil
}

// TransitionState performs a conditional CAS update: it
// fails with apperr.KindConcurrentState if the row's current state does not
// match from. attempt and errMsg are optional (nil skips the column).
func (s *Store) TransitionState(ctx context.Context, id string, from, to notification.State, attempt *int, errMsg *string, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal(fmt.Errorf("begin transition tx: %w", err))
	}
	defer tx.Rollback()

	now := nowUTC()

	var res sql.Result
	switch {
	case attempt != nil && errMsg != nil:
		res, err = tx.ExecContext(ctx, `UPDATE notifications SET state=?, attempts=?, last_error=?, updated_at=? WHERE id=? AND state=?`,
			string(to), *attempt, *errMsg, now, id, string(from))
	case attempt != nil:
		res, err = tx.ExecContext(ctx, `UPDATE notifications SET state=?, attempts=?, updated_at=? WHERE id=? AND state=?`,
			string(to), *attempt, now, id, string(from))
	default:
		res, err = tx.ExecContext(ctx, `UPDATE notifications SET state=?, updated_at=? WHERE id=? AND state=?`,
			string(to), now, id, string(from))
	}
	if err != nil {
		return apperr.Internal(fmt.Errorf("transition state: %w", err))
	}

	if to == notification.StateSent {
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET sent_at=? WHERE id=?`, now, id); err != nil {
			return apperr.Internal(fmt.Errorf("stamp sent_at: %w", err))
		}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Internal(fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		// Distinguish "does not exist" from "exists but state mismatched".
		if _, getErr := s.GetNotification(ctx, id); apperr.Is(getErr, apperr.KindNotFound) {
			return apperr.NotFound("NOTIFICATION_NOT_FOUND", "notification not found")
		}
		return apperr.ConcurrentState(fmt.Sprintf("notification %s: expected state %s, transition to %s refused", id, from, to))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_log (notification_id, from_state, to_state, reason, at) VALUES (?,?,?,?,?)`,
		id, string(from), string(to), reason, now); err != nil {
		return apperr.Internal(fmt.Errorf("write audit entry: %w", err))
	}

	return tx.Commit()
}

// ListFilters narrows ListByUser.
type ListFilters struct {
	IsRead *bool
	Type   string
}

// Page is a simple offset pager.
type Page struct {
	Number int // 1-based
	Size   int
}

func (p Page) normalized() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 || p.Size > 200 {
		p.Size = 20
	}
	return p
}

// ListByUser returns a paged view ordered by created_at desc, hiding
// soft-deleted rows.
func (s *Store) ListByUser(ctx context.Context, userID string, filters ListFilters, page Page) ([]*notification.Notification, error) {
	page = page.normalized()

	query := strings.Builder{}
	query.WriteString(`SELECT id, user_id, type, priority, title, content, template_id,
		variables_json, locale, channels_json, metadata_json, metadata_map_json,
		state, attempts, max_retries, last_error, created_at, updated_at, sent_at, read_at, deleted_at
		FROM notifications WHERE user_id = ? AND deleted_at IS NULL`)
	args := []interface{}{userID}

	if filters.IsRead != nil {
		if *filters.IsRead {
			query.WriteString(" AND read_at IS NOT NULL")
		} else {
			query.WriteString(" AND read_at IS NULL")
		}
	}
	if filters.Type != "" {
		query.WriteString(" AND type = ?")
		args = append(args, filters.Type)
	}

	query.WriteString(" ORDER BY created_at DESC LIMIT ? OFFSET ?")
	args = append(args, page.Size, (page.Number-1)*page.Size)

	rows, err := s.DB.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("list by user: %w", err))
	}
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperr.Internal(fmt.Errorf("scan notification: %w", err))
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead is idempotent: marking an already-read notification succeeds
// without changing read_at.
func (s *Store) MarkRead(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?`,
		nowUTC(), id, userID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("mark read: %w", err))
	}
	return nil
}

// SoftDelete hides a notification from default listing without removing it.
func (s *Store) SoftDelete(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE notifications SET deleted_at = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		nowUTC(), id, userID)
	if err != nil {
		return apperr.Internal(fmt.Errorf("soft delete: %w", err))
	}
	return nil
}

// ArchiveOlderThan moves terminal-state notifications created before cutoff
// into archived_notifications, then deletes them from the live table.
// Returns the number of rows archived.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("begin archive tx: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, user_id, type, priority, title, content, state, created_at
		FROM notifications WHERE created_at < ? AND state IN ('SENT','DEAD','ARCHIVED')`, cutoff)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("select archive candidates: %w", err))
	}

	type row struct {
		id, userID, typ, priority, title, content, state string
		createdAt                                        time.Time
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.userID, &r.typ, &r.priority, &r.title, &r.content, &r.state, &r.createdAt); err != nil {
			rows.Close()
			return 0, apperr.Internal(fmt.Errorf("scan archive candidate: %w", err))
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	now := nowUTC()
	for _, r := range candidates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO archived_notifications
			(id, user_id, type, priority, title, content, state, created_at, archived_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			r.id, r.userID, r.typ, r.priority, r.title, r.content, r.state, r.createdAt, now); err != nil {
			if !isDuplicateKeyErr(err) {
				return 0, apperr.Internal(fmt.Errorf("insert archived row: %w", err))
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET state='ARCHIVED', updated_at=? WHERE id=?`, now, r.id); err != nil {
			return 0, apperr.Internal(fmt.Errorf("mark archived: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id=?`, r.id); err != nil {
			return 0, apperr.Internal(fmt.Errorf("delete archived live row: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Internal(fmt.Errorf("commit archive tx: %w", err))
	}
	return len(candidates), nil
}

// ArchiveUserOlderThan behaves like ArchiveOlderThan but scoped to a single
// user, for the admin per-user cleanup trigger.
func (s *Store) ArchiveUserOlderThan(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("begin user archive tx: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, user_id, type, priority, title, content, state, created_at
		FROM notifications WHERE user_id = ? AND created_at < ? AND state IN ('SENT','DEAD','ARCHIVED')`, userID, cutoff)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("select user archive candidates: %w", err))
	}

	type row struct {
		id, userID, typ, priority, title, content, state string
		createdAt                                        time.Time
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.userID, &r.typ, &r.priority, &r.title, &r.content, &r.state, &r.createdAt); err != nil {
			rows.Close()
			return 0, apperr.Internal(fmt.Errorf("scan user archive candidate: %w", err))
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	now := nowUTC()
	for _, r := range candidates {
		if _, err := tx.ExecContext(ctx, `INSERT INTO archived_notifications
			(id, user_id, type, priority, title, content, state, created_at, archived_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			r.id, r.userID, r.typ, r.priority, r.title, r.content, r.state, r.createdAt, now); err != nil {
			if !isDuplicateKeyErr(err) {
				return 0, apperr.Internal(fmt.Errorf("insert user archived row: %w", err))
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE notifications SET state='ARCHIVED', updated_at=? WHERE id=?`, now, r.id); err != nil {
			return 0, apperr.Internal(fmt.Errorf("mark user archived: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE id=?`, r.id); err != nil {
			return 0, apperr.Internal(fmt.Errorf("delete user archived live row: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Internal(fmt.Errorf("commit user archive tx: %w", err))
	}
	return len(candidates), nil
}

// DeleteArchivedOlderThan permanently deletes archived rows past the hard
// retention limit. Returns the number of rows deleted.
func (s *Store) DeleteArchivedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM archived_notifications WHERE archived_at < ?`, cutoff)
	if err != nil {
		return 0, apperr.Internal(fmt.Errorf("delete archived: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ArchiveCursor is a lazy, restartable iterator over archived rows,
// yielding a finite sequence that can resume from any previously seen id.
type ArchiveCursor struct {
	db       *sql.DB
	lastID   string
	pageSize int
	buf      []*notification.Notification
	pos      int
	done     bool
}

// ExportArchived returns a cursor starting after afterID ("" for the
// beginning), paging pageSize rows at a time.
func (s *Store) ExportArchived(afterID string, pageSize int) *ArchiveCursor {
	if pageSize < 1 {
		pageSize = 100
	}
	return &ArchiveCursor{db: s.DB, lastID: afterID, pageSize: pageSize}
}

// Next advances the cursor and returns the next row, or (nil, false) when
// exhausted. Restartable: a fresh ExportArchived(afterID, ...) resumes from
// the last id previously consumed.
func (c *ArchiveCursor) Next(ctx context.Context) (*notification.Notification, bool, error) {
	if c.pos < len(c.buf) {
		n := c.buf[c.pos]
		c.pos++
		c.lastID = n.ID
		return n, true, nil
	}
	if c.done {
		return nil, false, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT id, user_id, type, priority, title, content, state, created_at
		FROM archived_notifications WHERE id > ? ORDER BY id ASC LIMIT ?`, c.lastID, c.pageSize)
	if err != nil {
		return nil, false, apperr.Internal(fmt.Errorf("export archived: %w", err))
	}
	defer rows.Close()

	c.buf = c.buf[:0]
	c.pos = 0
	for rows.Next() {
		var n notification.Notification
		var priority, state string
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &priority, &n.Title, &n.Content, &state, &n.CreatedAt); err != nil {
			return nil, false, apperr.Internal(fmt.Errorf("scan archived row: %w", err))
		}
		n.Priority = notification.Priority(priority)
		n.State = notification.State(state)
		c.buf = append(c.buf, &n)
	}
	if len(c.buf) < c.pageSize {
		c.done = true
	}
	if len(c.buf) == 0 {
		return nil, false, nil
	}

	n := c.buf[0]
	c.pos = 1
	c.lastID = n.ID
	return n, true, nil
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
