// ABOUTME: SQLite implementation of the TenantStore interface using modernc.org/sqlite
// ABOUTME: One database file per tenant with automatic schema creation and migrations

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps compare correctly as strings
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements TenantStore for a single tenant's database
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ TenantStore = (*SQLiteStore)(nil)

// openSQLite opens a database at path with WAL, foreign keys and a busy timeout
// applied to every pooled connection. Parent directories are created if needed.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

// NewSQLiteStore creates a tenant store at the given path.
// The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Debug("tenant store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channels (
			id               TEXT PRIMARY KEY,
			organization_id  TEXT NOT NULL,
			kind             TEXT NOT NULL,
			instance_name    TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL,
			connection_state TEXT NOT NULL,
			sync_status      TEXT NOT NULL,
			display_name     TEXT,
			avatar_url       TEXT,
			phone_number     TEXT,
			active           INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (kind IN ('qr_session', 'official_api')),
			CHECK (status IN ('pending', 'connected', 'disconnected', 'error')),
			CHECK (connection_state IN ('open', 'close', 'connecting')),
			CHECK (sync_status IN ('pending', 'syncing', 'completed', 'failed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_org_kind ON channels(organization_id, kind);

		CREATE TABLE IF NOT EXISTS contacts (
			id                     TEXT PRIMARY KEY,
			organization_id        TEXT NOT NULL,
			name                   TEXT NOT NULL,
			phone_number           TEXT,
			remote_jid             TEXT,
			avatar_url             TEXT,
			origin                 TEXT NOT NULL,
			target_organization_id TEXT,
			metadata_json          TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,

			CHECK (origin IN ('external', 'cross_org')),
			CHECK ((origin = 'cross_org') = (target_organization_id IS NOT NULL))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_remote_jid
			ON contacts(remote_jid) WHERE remote_jid IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_counterpart
			ON contacts(target_organization_id) WHERE origin = 'cross_org';

		CREATE TABLE IF NOT EXISTS conversations (
			id                       TEXT NOT NULL,
			created_at               TEXT NOT NULL,
			organization_id          TEXT NOT NULL,
			channel_id               TEXT,
			message_source           TEXT NOT NULL,
			contact_id               TEXT,
			assigned_agent_id        TEXT,
			status                   TEXT NOT NULL,
			last_message_id          TEXT,
			last_message_content     TEXT,
			last_message_sender_kind TEXT,
			last_message_status      TEXT,
			last_message_at          TEXT,
			unread_count             INTEGER NOT NULL DEFAULT 0,
			total_count              INTEGER NOT NULL DEFAULT 0,
			updated_at               TEXT NOT NULL,

			PRIMARY KEY (id, created_at),
			FOREIGN KEY (contact_id) REFERENCES contacts(id),
			CHECK (message_source IN ('external', 'internal')),
			CHECK (status IN ('open', 'pending', 'closed', 'snoozed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_id ON conversations(id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
			ON conversations(organization_id, contact_id) WHERE status IN ('pending', 'open');

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_read_at    TEXT,

			PRIMARY KEY (conversation_id, agent_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id                      TEXT PRIMARY KEY,
			conversation_id         TEXT NOT NULL,
			conversation_created_at TEXT NOT NULL,
			external_id             TEXT,
			sender_kind             TEXT NOT NULL,
			sender_id               TEXT,
			content                 TEXT NOT NULL,
			status                  TEXT NOT NULL,
			timestamp               TEXT NOT NULL,
			original_message_id     TEXT,
			metadata_json           TEXT,
			edited_at               TEXT,
			deleted_at              TEXT,
			created_at              TEXT NOT NULL,

			FOREIGN KEY (conversation_id, conversation_created_at) REFERENCES conversations(id, created_at),
			CHECK (sender_kind IN ('contact', 'agent', 'system')),
			CHECK (status IN ('pending', 'sent', 'delivered', 'read', 'failed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external_id
			ON messages(external_id) WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp);
		DROP INDEX IF EXISTS idx_messages_original;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_mirror
			ON messages(conversation_id, original_message_id) WHERE original_message_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			user_id         TEXT NOT NULL UNIQUE,
			name            TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "channels",
			column: "active",
			apply:  `ALTER TABLE channels ADD COLUMN active INTEGER NOT NULL DEFAULT 1`,
		},
		{
			table:  "contacts",
			column: "avatar_url",
			apply:  `ALTER TABLE contacts ADD COLUMN avatar_url TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
// Foreign key and CHECK failures are real errors and do not match.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fromNull returns the string value of a nullable column
func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// nullTime formats an optional timestamp for storage
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Rows written by hand or by older versions may use plain RFC3339
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// parseNullTime parses an optional timestamp column
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeMetadata serializes a metadata bag, storing NULL for empty maps
func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers
type scanner interface {
	Scan(dest ...any) error
}
