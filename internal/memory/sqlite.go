package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Supported database/sql driver names. The caller is responsible for
// importing the matching driver package.
const (
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3
	DriverModernc = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore is a SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path using the
// named driver and applies the schema.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	dsn, err := dataSourceName(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already-open database and applies the
// schema.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func dataSourceName(driver, path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	switch driver {
	case DriverMattn:
		return path + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverModernc:
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON history(user_id, seq);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetPreferences returns every stored preference for the user. A user with
// none gets an empty, non-nil record.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	prefs := Preferences{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// Values written outside this store may be bare text.
			v = raw
		}
		prefs[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return prefs, nil
}

// SetPreference adds or overwrites a single preference key.
func (s *SQLiteStore) SetPreference(ctx context.Context, userID, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("preference key is empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode preference %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, userID, key, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert preference %q: %w", key, err)
	}
	return nil
}

// GetHistory returns the user's full history in insertion order.
func (s *SQLiteStore) GetHistory(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM history
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Role, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse history timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// AppendHistory durably records entries in one transaction, so a failed
// write leaves none of them behind. A zero timestamp is replaced with the
// current time.
func (s *SQLiteStore) AppendHistory(ctx context.Context, userID string, entries ...Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate entry id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (id, user_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id.String(), userID, e.Role, e.Content, formatTime(e.Timestamp)); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history append: %w", err)
	}
	return nil
}

// ClearHistory deletes every history entry for the user.
func (s *SQLiteStore) ClearHistory(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

// ListUserIDs returns every user with stored history or preferences,
// sorted.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM history
		UNION
		SELECT user_id FROM preferences
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneHistory deletes all but the newest keep entries for the user and
// reports how many rows were removed.
func (s *SQLiteStore) PruneHistory(ctx context.Context, userID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM history
		WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM history WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, userID, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return n, nil
}

// Stats returns storage statistics.
func (s *SQLiteStore) Stats(ctx context.Context) map[string]any {
	var users, entries, prefs int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM history`).Scan(&users)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&entries)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM preferences`).Scan(&prefs)
	return map[string]any{
		"users":       users,
		"entries":     entries,
		"preferences": prefs,
		"storage":     "sqlite",
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
