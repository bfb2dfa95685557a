package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStateStore keeps the notification state in a SQLite table.
type SQLiteStateStore struct {
	db *sql.DB
}

func NewSQLiteStateStore(ctx context.Context, dataSourceName string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notification_state (
			target       TEXT PRIMARY KEY,
			last_sent_at TEXT NOT NULL
		)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating notification_state table: %w", err)
	}

	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Load(ctx context.Context) (NotificationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target, last_sent_at FROM notification_state`)
	if err != nil {
		return nil, fmt.Errorf("querying notification state: %w", err)
	}
	defer rows.Close()

	state := NotificationState{}
	for rows.Next() {
		var target, lastSentAt string
		if err := rows.Scan(&target, &lastSentAt); err != nil {
			return nil, fmt.Errorf("scanning notification state: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, lastSentAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_sent_at for %s: %w", target, err)
		}
		state[target] = parsed
	}

	return state, rows.Err()
}

func (s *SQLiteStateStore) Save(ctx context.Context, state NotificationState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for target, lastSentAt := range state {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_state (target, last_sent_at) VALUES (?, ?)
			ON CONFLICT (target) DO UPDATE SET last_sent_at = excluded.last_sent_at
		`, target, lastSentAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upserting notification state for %s: %w", target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing notification state: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) Close() error { return s.db.Close() }
