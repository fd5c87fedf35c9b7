// Package sqlite provides a single-file record and marker store for hosts
// without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	// timeLayout is fixed width so that text order matches time order.
	timeLayout = "2006-01-02T15:04:05.000Z"

	maxEvictionPasses = 4
)

// Store implements domain.Store on SQLite.
type Store struct {
	db          *sql.DB
	cappedBytes int64
	logger      *slog.Logger
}

// Open opens or creates the database at path.
func Open(path string, cappedBytes int64, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return &Store{db: db, cappedBytes: cappedBytes, logger: logger.With("component", "sqlite_store")}, nil
}

// Provision creates the schema.
func (s *Store) Provision(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS log_records (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname          TEXT NOT NULL,
			datetime          TEXT NOT NULL,
			level             TEXT NOT NULL,
			service_name      TEXT NOT NULL,
			service_full_name TEXT NOT NULL,
			message           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_hostname ON log_records(hostname)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_datetime ON log_records(datetime DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_log_records_level ON log_records(level)`,
		`CREATE TABLE IF NOT EXISTS file_markers (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname           TEXT    NOT NULL,
			filename           TEXT    NOT NULL,
			last_modified_time INTEGER NOT NULL,
			lines              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_markers_mtime ON file_markers(last_modified_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_file_markers_hostname ON file_markers(hostname)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	s.logger.Debug("database schema up to date")
	return nil
}

// WriteRecordBatch inserts the batch in one transaction.
func (s *Store) WriteRecordBatch(ctx context.Context, records []domain.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO log_records (hostname, datetime, level, service_name, service_full_name, message)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx, r.Hostname, r.Timestamp.UTC().Format(timeLayout), string(r.Level),
			r.ServiceName, r.ServiceFullName, r.Message)
		if err != nil {
			return 0, fmt.Errorf("inserting record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if err := s.enforceCap(ctx); err != nil {
		s.logger.Warn("failed to enforce records size bound", "error", err)
	}
	return len(records), nil
}

// enforceCap evicts the oldest records while the pages in use exceed the
// bound. Freed pages go to the freelist and are reused by later inserts.
func (s *Store) enforceCap(ctx context.Context) error {
	if s.cappedBytes <= 0 {
		return nil
	}
	for pass := 0; pass < maxEvictionPasses; pass++ {
		used, err := s.usedBytes(ctx)
		if err != nil {
			return err
		}
		if used <= s.cappedBytes {
			return nil
		}

		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_records`).Scan(&count); err != nil {
			return fmt.Errorf("counting records: %w", err)
		}
		if count == 0 {
			return nil
		}
		excess := evictionCount(used, count, s.cappedBytes)

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM log_records WHERE id IN (
				SELECT id FROM log_records ORDER BY id LIMIT ?
			)`, excess)
		if err != nil {
			return fmt.Errorf("evicting records: %w", err)
		}
		evicted, _ := res.RowsAffected()
		s.logger.Info("evicted oldest records", "count", evicted,
			"used", humanize.IBytes(uint64(used)), "bound", humanize.IBytes(uint64(s.cappedBytes)))
		if evicted == 0 || evicted == count {
			return nil
		}
	}
	return nil
}

func (s *Store) usedBytes(ctx context.Context) (int64, error) {
	var pageCount, freeCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freeCount); err != nil {
		return 0, fmt.Errorf("reading freelist count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("reading page size: %w", err)
	}
	return (pageCount - freeCount) * pageSize, nil
}

// evictionCount estimates how many of rows must be deleted to bring used
// bytes down to capBytes. It never returns less than one.
func evictionCount(used, rows, capBytes int64) int64 {
	perRow := used / rows
	if perRow == 0 {
		perRow = 1
	}
	n := (used - capBytes + perRow - 1) / perRow
	if n < 1 {
		n = 1
	}
	if n > rows {
		n = rows
	}
	return n
}

// AppendMarker inserts a marker row. The mtime is stored in epoch milliseconds.
func (s *Store) AppendMarker(ctx context.Context, marker domain.FileMarker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_markers (hostname, filename, last_modified_time, lines)
		VALUES (?, ?, ?, ?)`,
		marker.Hostname, marker.Filename, domain.MarkerTime(marker.LastModifiedTime).UnixMilli(), marker.LineCount)
	if err != nil {
		return fmt.Errorf("inserting marker: %w", err)
	}
	return nil
}

// LatestMarker returns the newest marker for hostname, or nil.
func (s *Store) LatestMarker(ctx context.Context, hostname string) (*domain.FileMarker, error) {
	markers, err := s.RecentMarkers(ctx, hostname, 1)
	if err != nil || len(markers) == 0 {
		return nil, err
	}
	return &markers[0], nil
}

// RecentMarkers returns up to limit markers for hostname, newest first.
func (s *Store) RecentMarkers(ctx context.Context, hostname string, limit int) ([]domain.FileMarker, error) {
	query := `SELECT hostname, filename, last_modified_time, lines FROM file_markers
		WHERE hostname = ? ORDER BY last_modified_time DESC, id DESC`
	args := []any{hostname}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()

	var markers []domain.FileMarker
	for rows.Next() {
		var m domain.FileMarker
		var mtime int64
		if err := rows.Scan(&m.Hostname, &m.Filename, &mtime, &m.LineCount); err != nil {
			return nil, fmt.Errorf("scanning marker row: %w", err)
		}
		m.LastModifiedTime = time.UnixMilli(mtime).UTC()
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// Close closes the database.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}
