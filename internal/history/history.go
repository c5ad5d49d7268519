// Package history persists decoded point values to sqlite, adapted from
// internal/db/sqlite.go's migration/query style and internal/collector/storage.go's
// async buffered-channel writer.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Sample is one decoded reading queued for persistence.
type Sample struct {
	Component string
	PointID   string
	Value     float64
	Raw       string // JSON-encoded decoded representation (handles bit-strings/packed)
	Timestamp time.Time
}

// Store writes Samples to sqlite asynchronously, matching the "enqueue,
// background writer, flush on Close" shape of the teacher's storage writer.
type Store struct {
	db *sql.DB
	q  chan Sample

	closed chan struct{}
}

func Open(path string, maxQueue int) (*Store, error) {
	if path == "" {
		path = "history.sqlite"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	s := &Store{db: sqlDB, q: make(chan Sample, maxQueue), closed: make(chan struct{})}

	go func() {
		defer close(s.closed)
		for sample := range s.q {
			if err := s.insert(sample); err != nil {
				// best-effort: a dropped sample is less harmful than a
				// blocked publication pipeline.
				continue
			}
		}
	}()
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS point_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    component TEXT NOT NULL,
    point_id TEXT NOT NULL,
    value REAL,
    raw TEXT,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_point_samples_lookup ON point_samples(component, point_id, timestamp);
`

func (s *Store) insert(sample Sample) error {
	_, err := s.db.Exec(
		`INSERT INTO point_samples (component, point_id, value, raw, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sample.Component, sample.PointID, sample.Value, sample.Raw, sample.Timestamp,
	)
	return err
}

// Enqueue queues a sample for writing, dropping it if the queue is full
// rather than blocking the publication pipeline.
func (s *Store) Enqueue(sample Sample) {
	select {
	case s.q <- sample:
	default:
	}
}

// EnqueueBody flattens a collator-produced publication body into one
// Sample per top-level key.
func (s *Store) EnqueueBody(component string, body map[string]any, ts time.Time) {
	for id, v := range body {
		f, _ := v.(float64)
		raw, _ := json.Marshal(v)
		s.Enqueue(Sample{Component: component, PointID: id, Value: f, Raw: string(raw), Timestamp: ts})
	}
}

func (s *Store) Close() {
	close(s.q)
	<-s.closed
	s.db.Close()
}

// LatestValue is one row from a latest-per-point query.
type LatestValue struct {
	Component string    `json:"component"`
	PointID   string    `json:"point_id"`
	Value     float64   `json:"value"`
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// Latest returns, for each (component, point_id), the most recent sample.
func (s *Store) Latest(ctx context.Context) ([]LatestValue, error) {
	const q = `
WITH latest AS (
  SELECT component, point_id, MAX(timestamp) AS ts
  FROM point_samples
  GROUP BY component, point_id
)
SELECT p.component, p.point_id, COALESCE(p.value, 0.0), p.raw, p.timestamp
FROM point_samples p
JOIN latest l ON l.component = p.component AND l.point_id = p.point_id AND l.ts = p.timestamp
ORDER BY p.component, p.point_id;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LatestValue
	for rows.Next() {
		var v LatestValue
		if err := rows.Scan(&v.Component, &v.PointID, &v.Value, &v.Raw, &v.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// History returns up to limit most-recent samples for one point, newest first.
func (s *Store) History(ctx context.Context, component, pointID string, limit int) ([]LatestValue, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT component, point_id, COALESCE(value, 0.0), raw, timestamp
FROM point_samples
WHERE component = ? AND point_id = ?
ORDER BY timestamp DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, component, pointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LatestValue
	for rows.Next() {
		var v LatestValue
		if err := rows.Scan(&v.Component, &v.PointID, &v.Value, &v.Raw, &v.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
