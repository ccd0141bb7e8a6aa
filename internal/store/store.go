// Package store is the persistence layer (C1): a durable record of
// notifications, preferences, templates, audit entries and dead letters.
//
// Grounded on internal/repository/base_repository.go's hand-rolled SQL
// approach (parameterized queries built with fmt.Sprintf placeholders,
// sql.ErrNoRows-centric error handling) rather than the GORM tags carried
// by internal/models.Notification — the repository layer elsewhere in this
// tree never uses an ORM, so those GORM tags were dead weight. Unlike
// BaseRepository's generic reflection-based CRUD, this package adds the one
// capability a delivery pipeline actually needs: a compare-and-swap
// TransitionState.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names this package recognizes.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// Store wraps a *sql.DB with the driver name, since a handful of DDL
// statements differ between MySQL and SQLite (AUTO_INCREMENT vs
// AUTOINCREMENT, ENGINE=InnoDB being a MySQL-only clause).
type Store struct {
	DB     *sql.DB
	Driver string
}

// Open opens a connection selecting the driver from the DSN scheme: a DSN
// prefixed "sqlite:" opens mattn/go-sqlite3 against the remaining path,
// anything else is handed to go-sql-driver/mysql as-is. This mirrors
// internal/database/connection.go's single entry point while adding the
// dual-driver support that package never had.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	driver := DriverMySQL
	connStr := dsn
	if strings.HasPrefix(dsn, "sqlite:") {
		driver = DriverSQLite
		connStr = strings.TrimPrefix(dsn, "sqlite:")
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{DB: db, Driver: driver}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// autoIncrement returns the driver-appropriate primary-key clause for the
// handful of tables that use a surrogate integer key (audit_log only; all
// domain tables are keyed by an application-assigned string id).
func (s *Store) autoIncrement() string {
	if s.Driver == DriverSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGINT PRIMARY KEY AUTO_INCREMENT"
}

func (s *Store) engineClause() string {
	if s.Driver == DriverMySQL {
		return " ENGINE=InnoDB"
	}
	return ""
}

// Migrate creates the persisted-state layout if it does not already exist.
// Statements are written to be portable across
// MySQL and SQLite (no MySQL-only types beyond the trailing ENGINE clause).
func (s *Store) Migrate() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			type VARCHAR(64) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			title TEXT,
			content TEXT,
			template_id VARCHAR(64),
			variables_json TEXT,
			locale VARCHAR(16),
			channels_json TEXT,
			metadata_json TEXT,
			metadata_map_json TEXT,
			state VARCHAR(16) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			sent_at DATETIME,
			read_at DATETIME,
			deleted_at DATETIME
		)%s`, s.engineClause()),
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_state ON notifications(state)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS archived_notifications (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			type VARCHAR(64) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			title TEXT,
			content TEXT,
			state VARCHAR(16) NOT NULL,
			created_at DATETIME NOT NULL,
			archived_at DATETIME NOT NULL
		)%s`, s.engineClause()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
			id %s,
			notification_id VARCHAR(64) NOT NULL,
			from_state VARCHAR(16) NOT NULL,
			to_state VARCHAR(16) NOT NULL,
			reason VARCHAR(255),
			at DATETIME NOT NULL
		)%s`, s.autoIncrement(), s.engineClause()),
		`CREATE INDEX IF NOT EXISTS idx_audit_notification ON audit_log(notification_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notification_preferences (
			user_id VARCHAR(64) NOT NULL,
			category VARCHAR(64) NOT NULL,
			channels_enabled_json TEXT,
			frequency VARCHAR(32) NOT NULL,
			quiet_hours_enabled BOOLEAN NOT NULL DEFAULT 0,
			quiet_hours_start VARCHAR(8),
			quiet_hours_end VARCHAR(8),
			quiet_hours_timezone VARCHAR(64),
			PRIMARY KEY (user_id, category)
		)%s`, s.engineClause()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notification_templates (
			template_id VARCHAR(64) NOT NULL,
			channel VARCHAR(16) NOT NULL,
			locale VARCHAR(16) NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			is_html BOOLEAN NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			required_vars TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (template_id, channel, locale)
		)%s`, s.engineClause()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS dead_letters (
			id VARCHAR(64) PRIMARY KEY,
			notification_id VARCHAR(64) NOT NULL,
			queue VARCHAR(64) NOT NULL,
			original_payload BLOB,
			first_error TEXT,
			last_error TEXT,
			attempt_count INT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)%s`, s.engineClause()),
		`CREATE INDEX IF NOT EXISTS idx_dlq_queue ON dead_letters(queue)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS digest_buffers (
			user_id VARCHAR(64) NOT NULL,
			category VARCHAR(64) NOT NULL,
			bucket DATETIME NOT NULL,
			notification_ids_json TEXT NOT NULL,
			PRIMARY KEY (user_id, category, bucket)
		)%s`, s.engineClause()),
	}

	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (stmt: %s)", err, stmt)
		}
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }
