// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit events in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens dsn with the sqlite driver and prepares the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Record stores a single audit event.
func (s *SQLiteStore) Record(ctx context.Context, event Event) error {
	details, err := encodeDetails(event.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fallback_audit_events (
			event_id, kind, reason, correlation_id, item_count, payload_bytes, confidence, details_json, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Kind,
		event.Reason,
		event.CorrelationID,
		event.Count,
		event.PayloadBytes,
		event.Confidence,
		string(details),
		normalizeTime(event.Timestamp),
	)
	return err
}

// List returns audit events matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT event_id, kind, reason, correlation_id, item_count, payload_bytes, confidence, details_json, recorded_at
		FROM fallback_audit_events
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.Kind != "" {
		addFilter("kind = ?", filter.Kind)
	}
	if filter.Reason != "" {
		addFilter("reason = ?", filter.Reason)
	}
	if !filter.Since.IsZero() {
		addFilter("recorded_at >= ?", filter.Since.UTC())
	}
	query += where + " ORDER BY recorded_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event       Event
			detailsJSON sql.NullString
			recorded    sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.Kind,
			&event.Reason,
			&event.CorrelationID,
			&event.Count,
			&event.PayloadBytes,
			&event.Confidence,
			&detailsJSON,
			&recorded,
		); err != nil {
			return nil, err
		}
		if detailsJSON.Valid {
			if details, err := decodeDetails([]byte(detailsJSON.String)); err == nil {
				event.Details = details
			}
		}
		if recorded.Valid {
			event.Timestamp = recorded.Time.UTC()
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fallback_audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			correlation_id TEXT,
			item_count INTEGER NOT NULL,
			payload_bytes INTEGER NOT NULL,
			confidence REAL NOT NULL,
			details_json TEXT,
			recorded_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fallback_audit_kind ON fallback_audit_events(kind);
		CREATE INDEX IF NOT EXISTS idx_fallback_audit_reason ON fallback_audit_events(reason);
		CREATE INDEX IF NOT EXISTS idx_fallback_audit_recorded ON fallback_audit_events(recorded_at);
	`)
	return err
}
