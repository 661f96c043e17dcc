package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/stylematch/internal/models"
)

// SQLiteStore implements MetadataStore using SQLite. Each record is stored as
// a JSON object keyed by item id.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY,
		name TEXT,
		url TEXT,
		metadata TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
	`
	_, err := db.Exec(schema)
	return err
}

// WriteAll replaces all rows in a single transaction.
func (s *SQLiteStore) WriteAll(ctx context.Context, records []models.Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (id, name, url, metadata) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, rec := range records {
		metadataJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for item %d: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, rec.Name(), rec.URL(), string(metadataJSON)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	// Fold the WAL back into the main file so the artifact is a single file.
	_, err = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// ReadAll returns all records ordered by id.
func (s *SQLiteStore) ReadAll(ctx context.Context) ([]models.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Metadata
	for rows.Next() {
		var id int
		var metadataJSON string
		if err := rows.Scan(&id, &metadataJSON); err != nil {
			return nil, err
		}
		if id != len(records) {
			return nil, fmt.Errorf("%w: expected id %d, found %d", ErrCorruptMetadata, len(records), id)
		}
		var rec models.Metadata
		if err := json.Unmarshal([]byte(metadataJSON), &rec); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrCorruptMetadata, id, err)
		}
		if rec == nil {
			rec = models.Metadata{}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of items.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
