package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/lib/pq"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	recordsTable = "log_records"
	markersTable = "file_markers"
	stagingTable = "log_records_import"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + recordsTable + ` (
		id                BIGSERIAL PRIMARY KEY,
		hostname          TEXT        NOT NULL,
		datetime          TIMESTAMPTZ NOT NULL,
		level             TEXT        NOT NULL,
		service_name      TEXT        NOT NULL,
		service_full_name TEXT        NOT NULL,
		message           TEXT        NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_records_hostname ON ` + recordsTable + ` (hostname)`,
	`CREATE INDEX IF NOT EXISTS idx_log_records_datetime ON ` + recordsTable + ` (datetime DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_log_records_level ON ` + recordsTable + ` (level)`,
	`CREATE TABLE IF NOT EXISTS ` + markersTable + ` (
		id                 BIGSERIAL PRIMARY KEY,
		hostname           TEXT        NOT NULL,
		filename           TEXT        NOT NULL,
		last_modified_time TIMESTAMPTZ NOT NULL,
		lines              INTEGER     NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_markers_mtime ON ` + markersTable + ` (last_modified_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_file_markers_hostname ON ` + markersTable + ` (hostname)`,
}

// Store implements domain.Store for PostgreSQL.
type Store struct {
	db          *sql.DB
	cappedBytes int64
	logger      *slog.Logger
}

// NewStore opens dsn and verifies the connection. cappedBytes bounds the
// records table; 0 disables eviction.
func NewStore(ctx context.Context, dsn string, cappedBytes int64, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &Store{db: db, cappedBytes: cappedBytes, logger: logger.With("component", "postgres_store")}, nil
}

// Provision creates the tables and indexes if they do not exist.
func (s *Store) Provision(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provisioning schema: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// WriteRecordBatch writes the batch through the COPY protocol into a staging
// table, then moves it into the records table in the same transaction.
func (s *Store) WriteRecordBatch(ctx context.Context, records []domain.LogRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback() // no-op after Commit

	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+stagingTable+` (LIKE `+recordsTable+` INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(stagingTable,
		"hostname", "datetime", "level", "service_name", "service_full_name", "message"))
	if err != nil {
		return 0, fmt.Errorf("preparing copy: %w", err)
	}
	for _, r := range records {
		_, err = stmt.ExecContext(ctx, r.Hostname, r.Timestamp.UTC(), string(r.Level), r.ServiceName, r.ServiceFullName, r.Message)
		if err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("copying record: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, fmt.Errorf("flushing copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}

	res, err := txn.ExecContext(ctx, `
		INSERT INTO `+recordsTable+` (hostname, datetime, level, service_name, service_full_name, message)
		SELECT hostname, datetime, level, service_name, service_full_name, message FROM `+stagingTable+`
		ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("moving staged records: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}

	if err := s.enforceCap(ctx); err != nil {
		s.logger.Warn("failed to enforce records size bound", "error", err)
	}
	return int(inserted), nil
}

// enforceCap evicts the oldest records once the live size estimate of the
// records table exceeds the bound.
func (s *Store) enforceCap(ctx context.Context) error {
	if s.cappedBytes <= 0 {
		return nil
	}
	var total, live, dead int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pg_total_relation_size(relid), n_live_tup, n_dead_tup
		FROM pg_stat_user_tables WHERE relname = $1`, recordsTable).Scan(&total, &live, &dead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading table statistics: %w", err)
	}

	excess := rowsOverCap(total, live, dead, s.cappedBytes)
	if excess == 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM `+recordsTable+` WHERE id IN (
			SELECT id FROM `+recordsTable+` ORDER BY id LIMIT $1
		)`, excess)
	if err != nil {
		return fmt.Errorf("evicting records: %w", err)
	}
	evicted, _ := res.RowsAffected()
	s.logger.Info("evicted oldest records", "count", evicted, "bound", humanize.IBytes(uint64(s.cappedBytes)))
	return nil
}

// rowsOverCap estimates how many rows must go so that the live rows fit in
// capBytes. Dead tuples still occupy pages, so the per-row size is derived
// from all tuples.
func rowsOverCap(totalBytes, live, dead, capBytes int64) int64 {
	tuples := live + dead
	if tuples <= 0 || totalBytes <= 0 {
		return 0
	}
	perRow := totalBytes / tuples
	if perRow == 0 {
		perRow = 1
	}
	liveBytes := live * perRow
	if liveBytes <= capBytes {
		return 0
	}
	return (liveBytes - capBytes + perRow - 1) / perRow
}

// AppendMarker inserts a marker row.
func (s *Store) AppendMarker(ctx context.Context, marker domain.FileMarker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+markersTable+` (hostname, filename, last_modified_time, lines)
		VALUES ($1, $2, $3, $4)`,
		marker.Hostname, marker.Filename, domain.MarkerTime(marker.LastModifiedTime), marker.LineCount)
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
	query := `SELECT hostname, filename, last_modified_time, lines FROM ` + markersTable + `
		WHERE hostname = $1 ORDER BY last_modified_time DESC, id DESC`
	args := []any{hostname}
	if limit > 0 {
		query += ` LIMIT $2`
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
		if err := rows.Scan(&m.Hostname, &m.Filename, &m.LastModifiedTime, &m.LineCount); err != nil {
			return nil, fmt.Errorf("scanning marker row: %w", err)
		}
		m.LastModifiedTime = m.LastModifiedTime.UTC()
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}
