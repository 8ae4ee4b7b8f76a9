// Package store provides durable storage for simulation recordings: named,
// totally ordered core-event logs with periodic snapshots.
//
// Uses SQLite with WAL mode. The engine itself never touches the store
// during a tick; only the replay recorder writes, and only between ticks.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the recordings database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path, applying
// pragmas and schema. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under interleaved reads and writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EventType enumerates recordable core events: the inputs external to
// deterministic tick computation.
type EventType string

const (
	EventSimulationStart EventType = "simulation_start"
	EventTimerTick       EventType = "timer_tick"
	EventManualInput     EventType = "manual_input"
	EventUserInteraction EventType = "user_interaction"
	EventModelUpgrade    EventType = "model_upgrade"
)

// CoreEvent is one recorded external input.
type CoreEvent struct {
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	SimTime int64           `json:"sim_time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is a full point-in-time state capture. Seq is the seq of the last
// core event applied before the capture.
type Snapshot struct {
	Seq         int64           `json:"seq"`
	SimTime     int64           `json:"sim_time"`
	Description string          `json:"description"`
	State       json.RawMessage `json:"state"`
}

// CreateRecording registers a named recording. Fails if the name is taken.
func (s *Store) CreateRecording(ctx context.Context, name string, schemaVersion int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (name, schema_version, created_epoch) VALUES (?, ?, ?)`,
		name, schemaVersion, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create recording %q: %w", name, err)
	}
	return nil
}

// RecordingExists reports whether a recording with the given name exists.
func (s *Store) RecordingExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM recordings WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup recording %q: %w", name, err)
	}
	return true, nil
}

// AppendEvent writes one core event. Idempotent per (recording, seq): a
// replayed append of the same seq is ignored.
func (s *Store) AppendEvent(ctx context.Context, recording string, ev CoreEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO core_events (recording, seq, type, sim_time, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (recording, seq) DO NOTHING`,
		recording, ev.Seq, string(ev.Type), ev.SimTime, string(payload),
	)
	if err != nil {
		return fmt.Errorf("append event seq=%d to %q: %w", ev.Seq, recording, err)
	}
	return nil
}

// Events returns a recording's core events ordered by seq.
func (s *Store) Events(ctx context.Context, recording string) ([]CoreEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, sim_time, payload FROM core_events
		 WHERE recording = ? ORDER BY seq ASC`, recording)
	if err != nil {
		return nil, fmt.Errorf("read events for %q: %w", recording, err)
	}
	defer rows.Close()

	var out []CoreEvent
	for rows.Next() {
		var ev CoreEvent
		var typ, payload string
		if err := rows.Scan(&ev.Seq, &typ, &ev.SimTime, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendSnapshot writes one snapshot.
func (s *Store) AppendSnapshot(ctx context.Context, recording string, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (recording, seq, sim_time, description, state)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (recording, seq) DO UPDATE SET
		   sim_time = excluded.sim_time,
		   description = excluded.description,
		   state = excluded.state`,
		recording, snap.Seq, snap.SimTime, snap.Description, string(snap.State),
	)
	if err != nil {
		return fmt.Errorf("append snapshot seq=%d to %q: %w", snap.Seq, recording, err)
	}
	return nil
}

// SnapshotAtOrBefore returns the nearest snapshot whose sim_time is at or
// before the target, or nil when none exists.
func (s *Store) SnapshotAtOrBefore(ctx context.Context, recording string, simTime int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, sim_time, description, state FROM snapshots
		 WHERE recording = ? AND sim_time <= ?
		 ORDER BY sim_time DESC, seq DESC LIMIT 1`, recording, simTime)
	return scanSnapshot(row)
}

// LatestSnapshot returns the recording's final snapshot, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, recording string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, sim_time, description, state FROM snapshots
		 WHERE recording = ? ORDER BY seq DESC LIMIT 1`, recording)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var state string
	err := row.Scan(&snap.Seq, &snap.SimTime, &snap.Description, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	return &snap, nil
}
