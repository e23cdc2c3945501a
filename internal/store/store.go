// Package store persists sessions, markers, predictions and quality reports
// to sqlite. Recording is optional; the streamer runs fine with a nil store.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle with the session recorders.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	db := &DB{sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies all pending embedded migrations. No pending migrations
// is not an error.
func (db *DB) migrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the underlying DB connection; let it be
	// collected instead.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion reports the current schema version and dirty state. A fresh
// database reports 0, false.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("store: create migrate instance: %w", err)
	}
	return m, nil
}

// Session is one recorded acquisition run.
type Session struct {
	ID           string
	DeviceID     string
	SamplingRate float64
	Channels     int
	Model        string
	StartedAt    time.Time
	EndedAt      sql.NullTime
}

// CreateSession records the start of an acquisition run.
func (db *DB) CreateSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, device_id, sampling_rate, channels, model, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.DeviceID, s.SamplingRate, s.Channels, s.Model, s.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ? WHERE session_id = ?", endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("store: end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: end session %s: no such session", id)
	}
	return nil
}

// GetSession looks one session up by id.
func (db *DB) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := db.QueryRowContext(ctx,
		`SELECT session_id, device_id, sampling_rate, channels, model, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, id).
		Scan(&s.ID, &s.DeviceID, &s.SamplingRate, &s.Channels, &s.Model, &s.StartedAt, &s.EndedAt)
	if err != nil {
		return Session{}, fmt.Errorf("store: get session %s: %w", id, err)
	}
	return s, nil
}

// RecordMarker stores one accepted marker event.
func (db *DB) RecordMarker(ctx context.Context, sessionID string, value int, timestamp float64) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO markers (session_id, value, timestamp) VALUES (?, ?, ?)",
		sessionID, value, timestamp)
	if err != nil {
		return fmt.Errorf("store: record marker: %w", err)
	}
	return nil
}

// Markers returns the session's markers in insertion order.
func (db *DB) Markers(ctx context.Context, sessionID string) ([]MarkerRow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT value, timestamp FROM markers WHERE session_id = ? ORDER BY marker_id",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query markers: %w", err)
	}
	defer rows.Close()

	var out []MarkerRow
	for rows.Next() {
		var m MarkerRow
		if err := rows.Scan(&m.Value, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkerRow is one stored marker.
type MarkerRow struct {
	Value     int     `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// PredictionRow is one stored inference outcome.
type PredictionRow struct {
	TaskID        string    `json:"task_id"`
	Label         int       `json:"label"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Timestamp     float64   `json:"timestamp"`
	LatencyMs     float64   `json:"latency_ms"`
}

// RecordPrediction stores one completed inference.
func (db *DB) RecordPrediction(ctx context.Context, sessionID string, p PredictionRow) error {
	var probs interface{}
	if p.Probabilities != nil {
		b, err := json.Marshal(p.Probabilities)
		if err != nil {
			return fmt.Errorf("store: marshal probabilities: %w", err)
		}
		probs = string(b)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO predictions (session_id, task_id, label, probabilities, timestamp, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, p.TaskID, p.Label, probs, p.Timestamp, p.LatencyMs)
	if err != nil {
		return fmt.Errorf("store: record prediction %s: %w", p.TaskID, err)
	}
	return nil
}

// Predictions returns the session's most recent predictions, newest first.
func (db *DB) Predictions(ctx context.Context, sessionID string, limit int) ([]PredictionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT task_id, label, probabilities, timestamp, latency_ms
		 FROM predictions WHERE session_id = ?
		 ORDER BY prediction_id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRow
	for rows.Next() {
		var p PredictionRow
		var probs sql.NullString
		if err := rows.Scan(&p.TaskID, &p.Label, &probs, &p.Timestamp, &p.LatencyMs); err != nil {
			return nil, err
		}
		if probs.Valid {
			if err := json.Unmarshal([]byte(probs.String), &p.Probabilities); err != nil {
				return nil, fmt.Errorf("store: corrupt probabilities for %s: %w", p.TaskID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QualityRow is one stored per-channel quality report.
type QualityRow struct {
	Channel   string  `json:"channel"`
	Label     string  `json:"label"`
	Amplitude float64 `json:"amplitude"`
	Score     float64 `json:"score"`
	Timestamp float64 `json:"timestamp"`
}

// RecordQuality stores one quality report row per channel.
func (db *DB) RecordQuality(ctx context.Context, sessionID string, reports []QualityRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin quality tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quality_reports (session_id, channel, label, amplitude, score, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare quality insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		if _, err := stmt.ExecContext(ctx, sessionID, r.Channel, r.Label, r.Amplitude, r.Score, r.Timestamp); err != nil {
			return fmt.Errorf("store: record quality for %s: %w", r.Channel, err)
		}
	}
	return tx.Commit()
}

// LatestQuality returns the newest quality row per channel for the session.
func (db *DB) LatestQuality(ctx context.Context, sessionID string) ([]QualityRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT channel, label, amplitude, score, MAX(timestamp)
		 FROM quality_reports WHERE session_id = ?
		 GROUP BY channel ORDER BY channel`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query quality: %w", err)
	}
	defer rows.Close()

	var out []QualityRow
	for rows.Next() {
		var q QualityRow
		if err := rows.Scan(&q.Channel, &q.Label, &q.Amplitude, &q.Score, &q.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
