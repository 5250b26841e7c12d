package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// SQLLineageStore stores lineage events in a SQL table keyed by (job_id, seq).
type SQLLineageStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLLineageStore implements LineageStore.
var _ LineageStore = (*SQLLineageStore)(nil)

// NewSQLiteLineageStore creates the lineage table in a SQLite database.
func NewSQLiteLineageStore(db *sql.DB) (*SQLLineageStore, error) {
	return newSQLLineageStore(db, dialect{name: "sqlite"}, "INTEGER")
}

// NewPostgresLineageStore creates the lineage table in a PostgreSQL database.
func NewPostgresLineageStore(db *sql.DB) (*SQLLineageStore, error) {
	return newSQLLineageStore(db, dialect{name: "postgres", numbered: true}, "BIGINT")
}

func newSQLLineageStore(db *sql.DB, d dialect, intType string) (*SQLLineageStore, error) {
	s := &SQLLineageStore{db: db, d: d}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lineage_events (
			job_id TEXT NOT NULL,
			seq ` + intType + ` NOT NULL,
			at ` + intType + ` NOT NULL,
			kind TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (job_id, seq)
		)`)
	if err != nil {
		return nil, api.StorageError(d.name+": init lineage schema", err)
	}
	return s, nil
}

// Append computes the next sequence number inside the INSERT itself, so the
// read of MAX(seq) and the write are one statement.
func (s *SQLLineageStore) Append(ctx context.Context, ev api.LineageEvent) (api.LineageEvent, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return api.LineageEvent{}, err
	}

	err = s.db.QueryRowContext(ctx, s.d.rebind(`
		INSERT INTO lineage_events (job_id, seq, at, kind, stage, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM lineage_events WHERE job_id = ?
		RETURNING seq`),
		ev.JobID,
		ev.At.UnixNano(),
		string(ev.Kind),
		ev.Stage,
		payload,
		ev.JobID,
	).Scan(&ev.Seq)
	if err != nil {
		return api.LineageEvent{}, api.StorageError("append lineage event", err)
	}

	// Return the payload as a reader of List would see it.
	if ev.Payload != nil {
		ev.Payload = nil
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return api.LineageEvent{}, err
		}
	}
	return ev, nil
}

func (s *SQLLineageStore) List(ctx context.Context, jobID string) ([]api.LineageEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT job_id, seq, at, kind, stage, payload
		FROM lineage_events
		WHERE job_id = ?
		ORDER BY seq ASC`), jobID)
	if err != nil {
		return nil, api.StorageError("list lineage events", err)
	}
	defer rows.Close()

	out := []api.LineageEvent{}
	for rows.Next() {
		var (
			ev      api.LineageEvent
			atN     int64
			kind    string
			payload string
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &atN, &kind, &ev.Stage, &payload); err != nil {
			return nil, api.StorageError("scan lineage event", err)
		}
		ev.At = time.Unix(0, atN)
		ev.Kind = api.EventKind(kind)
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError("list lineage events", err)
	}
	return out, nil
}

func (s *SQLLineageStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM lineage_events WHERE job_id = ?`), jobID); err != nil {
		return api.StorageError("delete lineage events", err)
	}
	return nil
}
