package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed export history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers from concurrent workers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS export_batches (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            destination TEXT,
            format TEXT,
            total INTEGER NOT NULL DEFAULT 0,
            success INTEGER NOT NULL DEFAULT 0,
            failure INTEGER NOT NULL DEFAULT 0,
            settings_json TEXT,
            error_message TEXT,
            created_at INTEGER NOT NULL,
            started_at INTEGER,
            completed_at INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS export_assets (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            batch_id TEXT NOT NULL,
            asset_path TEXT NOT NULL,
            output_path TEXT,
            status TEXT NOT NULL,
            error_message TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_export_assets_batch ON export_assets(batch_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Batch statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// BatchRecord captures persisted batch info.
type BatchRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Destination  string     `json:"destination"`
	Format       string     `json:"format"`
	Total        int        `json:"total"`
	Success      int        `json:"success"`
	Failure      int        `json:"failure"`
	SettingsJSON string     `json:"settings,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// AssetRecord captures the outcome for one source image.
type AssetRecord struct {
	BatchID    string    `json:"batch_id"`
	AssetPath  string    `json:"asset"`
	OutputPath string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordBatchQueued inserts a pending batch.
func (s *Store) RecordBatchQueued(rec BatchRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO export_batches (id, status, destination, format, total, settings_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.Destination, rec.Format, rec.Total, rec.SettingsJSON, time.Now().UnixNano())
	return err
}

// RecordBatchStart marks a batch as running.
func (s *Store) RecordBatchStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE export_batches SET status=?, started_at=? WHERE id=?;`, StatusRunning, time.Now().UnixNano(), id)
	return err
}

// RecordAsset appends one asset outcome.
func (s *Store) RecordAsset(rec AssetRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO export_assets (batch_id, asset_path, output_path, status, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.BatchID, rec.AssetPath, rec.OutputPath, rec.Status, rec.Error, time.Now().UnixNano())
	return err
}

// RecordBatchResult finalizes a batch with counts and status.
func (s *Store) RecordBatchResult(id, status string, success, failure int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE export_batches SET status=?, success=?, failure=?, error_message=?, completed_at=? WHERE id=?;`,
		status, success, failure, errMsg, time.Now().UnixNano(), id)
	return err
}

// RecentBatches returns the latest batches up to limit.
func (s *Store) RecentBatches(limit int) ([]BatchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, destination, format, total, success, failure, settings_json, error_message, created_at, started_at, completed_at
        FROM export_batches ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BatchRecord
	for rows.Next() {
		var rec BatchRecord
		var created int64
		var started, completed sql.NullInt64
		var settings, errorMsg, dest, format sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &dest, &format, &rec.Total, &rec.Success, &rec.Failure, &settings, &errorMsg, &created, &started, &completed); err != nil {
			return nil, err
		}
		rec.Destination = dest.String
		rec.Format = format.String
		rec.SettingsJSON = settings.String
		rec.Error = errorMsg.String
		rec.CreatedAt = time.Unix(0, created)
		if started.Valid {
			t := time.Unix(0, started.Int64)
			rec.StartedAt = &t
		}
		if completed.Valid {
			t := time.Unix(0, completed.Int64)
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// BatchAssets lists the recorded asset outcomes of a batch.
func (s *Store) BatchAssets(batchID string) ([]AssetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT batch_id, asset_path, output_path, status, error_message, created_at FROM export_assets WHERE batch_id=? ORDER BY id;`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AssetRecord
	for rows.Next() {
		var rec AssetRecord
		var out, errorMsg sql.NullString
		var created int64
		if err := rows.Scan(&rec.BatchID, &rec.AssetPath, &out, &rec.Status, &errorMsg, &created); err != nil {
			return nil, err
		}
		rec.OutputPath = out.String
		rec.Error = errorMsg.String
		rec.CreatedAt = time.Unix(0, created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
