package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHistory implements History as a flat append-only sample log.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (creating if necessary) a SQLite-backed History.
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	h := &SQLiteHistory{db: db}
	if err := h.init(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		point_id TEXT NOT NULL,
		value TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_point_id ON samples(point_id, timestamp DESC);
	`

	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append inserts each sample as its own row; no replication, filtering or
// grouping is performed; neither this package nor the core implements
// point-value algebra.
func (h *SQLiteHistory) Append(samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO samples (point_id, value, timestamp) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(s.PointID, s.Value, s.Timestamp); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}

	return tx.Commit()
}

// Recent returns the most recent samples for a point, newest first.
func (h *SQLiteHistory) Recent(pointID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := h.db.Query(
		`SELECT point_id, value, timestamp FROM samples WHERE point_id = ? ORDER BY timestamp DESC LIMIT ?`,
		pointID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var s Sample
		var ts time.Time
		if err := rows.Scan(&s.PointID, &s.Value, &ts); err != nil {
			continue
		}
		s.Timestamp = ts
		samples = append(samples, s)
	}
	return samples, nil
}

// Close closes the database connection.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
