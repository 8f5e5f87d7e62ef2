// Package history provides the SQLite-backed append-only message log for
// sessions: ordered messages, streaming partials, truncation and recovery
// reads.
package history

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"conductor/pkg/logx"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// ErrNotFound is returned when a message or partial does not exist.
var ErrNotFound = errors.New("history: not found")

// Store wraps a SQLite database holding message history for any number of
// sessions. One writer at a time; connection pool is capped accordingly.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the history database at dbPath and migrates the
// schema to the current version. Idempotent and safe to call on an existing
// database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{
		db:     db,
		logger: logx.NewLogger("history"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	return nil
}

func migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		if err := runMigration(db, v); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v, err)
		}
		if err := setSchemaVersion(db, v); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", v, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to insert schema version: %w", err)
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return migrateToVersion1(db)
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion1 creates the core messages table.
func migrateToVersion1(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			msg_id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			meta TEXT NOT NULL,
			synthetic INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute migration statement: %w", err)
		}
	}
	return nil
}

// migrateToVersion2 adds the partials table for not-yet-finalized assistant
// messages persisted incrementally during streaming.
func migrateToVersion2(db *sql.DB) error {
	stmt := `CREATE TABLE IF NOT EXISTS partials (
		session_id TEXT PRIMARY KEY,
		msg_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		meta TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create partials table: %w", err)
	}
	return nil
}
