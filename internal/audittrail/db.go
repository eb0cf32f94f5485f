// Package audittrail records every tus upload-lifecycle transition
// (create/patch/complete/delete/expire) to an optional Postgres
// table. It is an optional side effect: when no database
// URL is configured, callers never construct a Trail and nothing is
// recorded.
package audittrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL connection pool for the configured
// audit.database_url, validating connectivity immediately.
func Open(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("audittrail: database url is empty")
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EventKind is the upload lifecycle action recorded, mirroring the
// engine's state machine transitions.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventPatched   EventKind = "patched"
	EventCompleted EventKind = "completed"
	EventDeleted   EventKind = "deleted"
	EventExpired   EventKind = "expired"
)

// Event is one recorded transition.
type Event struct {
	UID       string
	Kind      EventKind
	Offset    int64
	Details   map[string]any
	Timestamp time.Time
}

// Trail is the audit-log handle.
type Trail struct {
	db *sql.DB
}

// New wraps an already-open database pool.
func New(db *sql.DB) *Trail { return &Trail{db: db} }

// Record inserts one lifecycle event, timestamping it server-side.
func (t *Trail) Record(ctx context.Context, e Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO upload_audit_log (uid, kind, offset_bytes, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.UID, string(e.Kind), e.Offset, details, time.Now())
	return err
}

// History returns every recorded event for uid, oldest first.
func (t *Trail) History(ctx context.Context, uid string) ([]Event, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT uid, kind, offset_bytes, details, recorded_at
		FROM upload_audit_log
		WHERE uid = $1
		ORDER BY recorded_at ASC
	`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		var details []byte
		if err := rows.Scan(&e.UID, &kind, &e.Offset, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
