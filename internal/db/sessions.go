package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/vision.report/internal/vision"
)

var _ vision.SessionStore = (*DB)(nil)

// Session timestamps are stored as RFC 3339 text so rows stay readable in the
// tailsql UI and in backups.
const timeLayout = time.RFC3339Nano

// CreateSession inserts the session row. The ended_at column stays NULL until
// CloseSession stamps it.
func (db *DB) CreateSession(meta vision.SessionMeta) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, started_at, ended_at, source, model_width, model_height)
		VALUES (?, ?, NULL, ?, ?, ?)`,
		meta.ID,
		meta.StartedAt.UTC().Format(timeLayout),
		meta.SourceLabel,
		meta.ModelWidth,
		meta.ModelHeight,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", meta.ID, err)
	}
	return nil
}

// CloseSession stamps the end time on an existing session row.
func (db *DB) CloseSession(id string, endedAt time.Time) error {
	res, err := db.Exec(
		"UPDATE sessions SET ended_at = ? WHERE id = ?",
		endedAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("close session %s: no such session", id)
	}
	return nil
}

// RecordBatch stores one published batch as a JSON document keyed by its
// publish sequence.
func (db *DB) RecordBatch(sessionID string, seq int64, batch vision.DetectionBatch) error {
	doc, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %d: %w", seq, err)
	}

	_, err = db.Exec(
		"INSERT INTO session_batches (session_id, seq, batch) VALUES (?, ?, ?)",
		sessionID, seq, string(doc),
	)
	if err != nil {
		return fmt.Errorf("record batch %d for session %s: %w", seq, sessionID, err)
	}
	return nil
}

// BatchesForSession returns the session's recorded batches in publish order.
func (db *DB) BatchesForSession(sessionID string) ([]vision.RecordedBatch, error) {
	rows, err := db.Query(
		"SELECT seq, batch FROM session_batches WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query batches for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var batches []vision.RecordedBatch
	for rows.Next() {
		var seq int64
		var doc string
		if err := rows.Scan(&seq, &doc); err != nil {
			return nil, err
		}

		var batch vision.DetectionBatch
		if err := json.Unmarshal([]byte(doc), &batch); err != nil {
			return nil, fmt.Errorf("decode batch %d for session %s: %w", seq, sessionID, err)
		}
		batches = append(batches, vision.RecordedBatch{Seq: seq, Batch: batch})
	}
	return batches, rows.Err()
}

// PurgeOtherSessions deletes every session other than keepID together with
// its batches. Detection history does not survive past the current session.
func (db *DB) PurgeOtherSessions(keepID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM session_batches WHERE session_id != ?", keepID); err != nil {
		return fmt.Errorf("purge batches: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sessions WHERE id != ?", keepID); err != nil {
		return fmt.Errorf("purge sessions: %w", err)
	}
	return tx.Commit()
}

// Sessions lists all session rows, oldest first. Normally at most one row
// exists; more than one means the purge on session start is not keeping up.
func (db *DB) Sessions() ([]vision.SessionMeta, error) {
	rows, err := db.Query(`
		SELECT id, started_at, ended_at, source, model_width, model_height
		FROM sessions ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []vision.SessionMeta
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	return sessions, rows.Err()
}

// SessionByID fetches a single session row. Returns sql.ErrNoRows when the
// session does not exist.
func (db *DB) SessionByID(id string) (vision.SessionMeta, error) {
	row := db.QueryRow(`
		SELECT id, started_at, ended_at, source, model_width, model_height
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (vision.SessionMeta, error) {
	var meta vision.SessionMeta
	var started string
	var ended sql.NullString

	err := row.Scan(&meta.ID, &started, &ended, &meta.SourceLabel, &meta.ModelWidth, &meta.ModelHeight)
	if err != nil {
		return vision.SessionMeta{}, err
	}

	meta.StartedAt, err = time.Parse(timeLayout, started)
	if err != nil {
		return vision.SessionMeta{}, fmt.Errorf("session %s: bad started_at %q: %w", meta.ID, started, err)
	}
	if ended.Valid {
		meta.EndedAt, err = time.Parse(timeLayout, ended.String)
		if err != nil {
			return vision.SessionMeta{}, fmt.Errorf("session %s: bad ended_at %q: %w", meta.ID, ended.String, err)
		}
	}
	return meta, nil
}
