package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// eventsSchema holds the append-only event log plus per-consumer
// cursors. Rows are never updated or deleted by the engine.
var eventsSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		emitted_at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS consumers (
		consumer TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL DEFAULT 0,
		advanced_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, id)`,
}

// EventLog is the durable change feed every other tier's mutations are
// announced on. Emit is durable before it returns; consumers track
// their own cursors and only ever move them forward.
type EventLog struct {
	db *sql.DB
}

// NewEventLog opens (or creates) the event log database.
func NewEventLog(path string) (*EventLog, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, eventsSchema); err != nil {
		db.Close()
		return nil, types.NewError(types.KindStorageUnavailable, "events schema", err)
	}
	if err := ensureSchemaVersion(db, "events"); err != nil {
		db.Close()
		return nil, err
	}
	logging.Events("Event log ready")
	return &EventLog{db: db}, nil
}

// Close releases the database handle.
func (l *EventLog) Close() error { return l.db.Close() }

// Emit appends one event. The payload is marshalled to canonical JSON;
// the returned id is the event's position in the log.
func (l *EventLog) Emit(ctx context.Context, kind types.EventKind, payload any) (int64, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
	}

	var id int64
	err := withRetry(ctx, "Emit", func() error {
		res, err := l.db.ExecContext(ctx,
			"INSERT INTO events (emitted_at, kind, payload) VALUES (?, ?, ?)",
			nowMillis(), string(kind), string(body))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, types.StorageErr("emit event", err)
	}
	logging.EventsDebug("Emitted %s as event %d", kind, id)
	return id, nil
}

// ReadAfter returns up to limit events with id greater than cursor, in
// log order. Replaying the same cursor yields the same sequence.
func (l *EventLog) ReadAfter(ctx context.Context, cursor int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, emitted_at, kind, payload FROM events
		 WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, types.StorageErr("read events", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var (
			e       types.Event
			emitted int64
			kind    string
			payload string
		)
		if err := rows.Scan(&e.ID, &emitted, &kind, &payload); err != nil {
			return nil, types.StorageErr("scan event", err)
		}
		e.EmittedAt = millisToTime(emitted)
		e.Kind = types.EventKind(kind)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cursor returns a consumer's current position (0 when unknown).
func (l *EventLog) Cursor(ctx context.Context, consumer string) (int64, error) {
	var cursor int64
	err := l.db.QueryRowContext(ctx,
		"SELECT cursor FROM consumers WHERE consumer = ?", consumer).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.StorageErr("read cursor", err)
	}
	return cursor, nil
}

// Advance moves a consumer's cursor forward. Attempts to move it
// backwards are rejected; consumption is at-least-once, never undone.
func (l *EventLog) Advance(ctx context.Context, consumer string, cursor int64) error {
	if consumer == "" {
		return fmt.Errorf("consumer name required")
	}

	return types.StorageErr("advance cursor", inTx(ctx, l.db, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			"SELECT cursor FROM consumers WHERE consumer = ?", consumer).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				"INSERT INTO consumers (consumer, cursor, advanced_at) VALUES (?, ?, ?)",
				consumer, cursor, nowMillis())
			return err
		case err != nil:
			return err
		case cursor < current:
			return fmt.Errorf("cursor for %s would move backwards (%d < %d)", consumer, cursor, current)
		default:
			_, err = tx.ExecContext(ctx,
				"UPDATE consumers SET cursor = ?, advanced_at = ? WHERE consumer = ?",
				cursor, nowMillis(), consumer)
			return err
		}
	}))
}

// PendingCount reports how many events wait past a consumer's cursor.
func (l *EventLog) PendingCount(ctx context.Context, consumer string) (int, error) {
	cursor, err := l.Cursor(ctx, consumer)
	if err != nil {
		return 0, err
	}
	var n int
	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE id > ?", cursor).Scan(&n); err != nil {
		return 0, types.StorageErr("count pending", err)
	}
	return n, nil
}

// OldestPending returns the emission time of the first unconsumed
// event. ok is false when nothing is pending.
func (l *EventLog) OldestPending(ctx context.Context, consumer string) (time.Time, bool, error) {
	cursor, err := l.Cursor(ctx, consumer)
	if err != nil {
		return time.Time{}, false, err
	}
	var emitted int64
	err = l.db.QueryRowContext(ctx,
		"SELECT emitted_at FROM events WHERE id > ? ORDER BY id LIMIT 1", cursor).Scan(&emitted)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, types.StorageErr("oldest pending", err)
	}
	return millisToTime(emitted), true, nil
}

// CountByKind reports event totals per kind, a status surface number.
func (l *EventLog) CountByKind(ctx context.Context) (map[types.EventKind]int, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, types.StorageErr("count by kind", err)
	}
	defer rows.Close()

	out := make(map[types.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, types.StorageErr("scan count", err)
		}
		out[types.EventKind(kind)] = n
	}
	return out, rows.Err()
}
