package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/session_engine/internal/deferred"
	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
)

const sessionDBName = "sessions.db"

// SessionStore persists the session set and the consolidated wake deadline
// in a SQLCipher encrypted SQLite database, so the durable state survives
// process restarts and cannot be trivially edited to end a block early.
type SessionStore struct {
	db     *sql.DB
	dbPath string
}

// NewSessionStore opens (or creates) the encrypted session database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewSessionStore(dataDir string, key []byte) (*SessionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, sessionDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &SessionStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SessionStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		blocked_packages TEXT NOT NULL,
		allow_packages TEXT NOT NULL,
		starts_at INTEGER,
		ends_at INTEGER,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.SessionStore implementation ---

// SaveSessions replaces the stored session set in one transaction.
func (s *SessionStore) SaveSessions(sessions []domain.SessionConfig) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sessions`); err != nil {
		return err
	}

	for _, cfg := range sessions {
		blocked, err := json.Marshal(packagesOrEmpty(cfg.BlockedPackages))
		if err != nil {
			return err
		}
		allowed, err := json.Marshal(packagesOrEmpty(cfg.AllowPackages))
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO sessions (id, blocked_packages, allow_packages, starts_at, ends_at, reason)
			VALUES (?, ?, ?, ?, ?, ?)`,
			cfg.ID, string(blocked), string(allowed),
			nullableMillis(cfg.StartsAt), nullableMillis(cfg.EndsAt), cfg.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session %q: %w", cfg.ID, err)
		}
	}

	return tx.Commit()
}

// LoadSessions returns the stored session set, sorted by id.
func (s *SessionStore) LoadSessions() ([]domain.SessionConfig, error) {
	rows, err := s.db.Query(`
		SELECT id, blocked_packages, allow_packages, starts_at, ends_at, reason
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionConfig
	for rows.Next() {
		var (
			cfg              domain.SessionConfig
			blocked, allowed string
			startsAt, endsAt sql.NullInt64
		)
		if err := rows.Scan(&cfg.ID, &blocked, &allowed, &startsAt, &endsAt, &cfg.Reason); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blocked), &cfg.BlockedPackages); err != nil {
			return nil, fmt.Errorf("corrupt blocked_packages for %q: %w", cfg.ID, err)
		}
		if err := json.Unmarshal([]byte(allowed), &cfg.AllowPackages); err != nil {
			return nil, fmt.Errorf("corrupt allow_packages for %q: %w", cfg.ID, err)
		}
		if startsAt.Valid {
			v := startsAt.Int64
			cfg.StartsAt = &v
		}
		if endsAt.Valid {
			v := endsAt.Int64
			cfg.EndsAt = &v
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SessionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path (for tests and status output).
func (s *SessionStore) Path() string {
	return s.dbPath
}

// --- deferred.DeadlineStore implementation ---

const nextWakeKey = "next_wake_ms"

// SaveDeadline stores the consolidated wake deadline; nil clears it.
func (s *SessionStore) SaveDeadline(due *time.Time) error {
	if due == nil {
		_, err := s.db.Exec(`DELETE FROM meta WHERE key = ?`, nextWakeKey)
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		nextWakeKey, fmt.Sprintf("%d", due.UnixMilli()))
	return err
}

// LoadDeadline returns the stored wake deadline, or nil when none is set.
func (s *SessionStore) LoadDeadline() (*time.Time, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, nextWakeKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ms int64
	if _, err := fmt.Sscanf(value, "%d", &ms); err != nil {
		return nil, fmt.Errorf("corrupt wake deadline %q: %w", value, err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// packagesOrEmpty keeps nil and empty lists round-tripping as empty.
func packagesOrEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func nullableMillis(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Ensure SessionStore implements both persistence interfaces.
var _ domain.SessionStore = (*SessionStore)(nil)
var _ deferred.DeadlineStore = (*SessionStore)(nil)
