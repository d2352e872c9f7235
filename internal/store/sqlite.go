package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateName = errors.New("a saved query with this name already exists")
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS saved_queries (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        name TEXT NOT NULL,
        query_text TEXT NOT NULL,
        platform TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (user_id, name)
    );

    CREATE TABLE IF NOT EXISTS query_history (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT NOT NULL,
        query_text TEXT NOT NULL,
        platform TEXT NOT NULL DEFAULT '',
        succeeded BOOLEAN NOT NULL DEFAULT FALSE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_query_history_user ON query_history (user_id, id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Saved query methods
func (s *SQLiteStore) CreateSavedQuery(ctx context.Context, q *SavedQuery) error {
	q.ID = uuid.NewString()
	q.CreatedAt = time.Now().UTC()
	q.Name = strings.TrimSpace(q.Name)

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO saved_queries (id, user_id, name, query_text, platform, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare saved query insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, q.ID, q.UserID, q.Name, q.QueryText, q.Platform, q.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to execute saved query insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSavedQueries(ctx context.Context, userID string) ([]SavedQuery, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, name, query_text, platform, created_at FROM saved_queries WHERE user_id = ? ORDER BY created_at DESC, name ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query saved queries: %w", err)
	}
	defer rows.Close()

	queries := []SavedQuery{}
	for rows.Next() {
		var q SavedQuery
		if err := rows.Scan(&q.ID, &q.UserID, &q.Name, &q.QueryText, &q.Platform, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan saved query row: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

func (s *SQLiteStore) DeleteSavedQuery(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM saved_queries WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete saved query: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// History methods

// AppendHistory records a completed query and trims the user's history to maxEntries.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *QueryHistoryEntry, maxEntries int) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "INSERT INTO query_history (user_id, query_text, platform, succeeded, created_at) VALUES (?, ?, ?, ?, ?)",
		entry.UserID, entry.QueryText, entry.Platform, entry.Succeeded, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()

	if maxEntries > 0 {
		_, err = tx.ExecContext(ctx, `
            DELETE FROM query_history
            WHERE user_id = ? AND id NOT IN (
                SELECT id FROM query_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
            )`, entry.UserID, entry.UserID, maxEntries)
		if err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	return tx.Commit()
}

// RecentHistory returns the user's latest entries, most recent first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, userID string, limit int) ([]QueryHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, query_text, platform, succeeded, created_at
        FROM query_history
        WHERE user_id = ?
        ORDER BY id DESC
        LIMIT ?
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []QueryHistoryEntry{}
	for rows.Next() {
		var e QueryHistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.QueryText, &e.Platform, &e.Succeeded, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
