package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/klauern/crosssync/internal/model"
)

//go:embed schema.sql
var schema string

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const selectRecord = `SELECT id, category, encrypted, algorithm, version, timestamp, source_platform, checksum FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		rec model.Record
		ts  string
	)
	if err := row.Scan(&rec.ID, &rec.Category, &rec.Content.Encrypted, &rec.Content.Algorithm,
		&rec.Version, &ts, &rec.SourcePlatform, &rec.Checksum); err != nil {
		return model.Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return model.Record{}, fmt.Errorf("record %s: bad timestamp %q: %w", rec.ID, ts, err)
	}
	rec.Timestamp = t
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec model.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, category, encrypted, algorithm, version, timestamp, source_platform, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   category = excluded.category,
		   encrypted = excluded.encrypted,
		   algorithm = excluded.algorithm,
		   version = excluded.version,
		   timestamp = excluded.timestamp,
		   source_platform = excluded.source_platform,
		   checksum = excluded.checksum`,
		rec.ID, string(rec.Category), rec.Content.Encrypted, rec.Content.Algorithm, rec.Version,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.SourcePlatform, rec.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every record sorted by id.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
