package domain

import (
	"context"
	"errors"
)

// ErrUnsupportedStore is returned when a connection string names a backend
// this build does not know.
var ErrUnsupportedStore = errors.New("unsupported store connection scheme")

// RecordRepository is the append-only sink for parsed log records.
type RecordRepository interface {
	// WriteRecordBatch persists all records in a single batched write and
	// returns the number of inserted records.
	WriteRecordBatch(ctx context.Context, records []LogRecord) (int, error)
}

// MarkerRepository stores the per-file high-water marks.
type MarkerRepository interface {
	// AppendMarker appends a marker. Markers are never updated in place.
	AppendMarker(ctx context.Context, marker FileMarker) error

	// LatestMarker returns the marker with the greatest LastModifiedTime for
	// the host, or nil if the host has none.
	LatestMarker(ctx context.Context, hostname string) (*FileMarker, error)

	// RecentMarkers returns up to limit markers for the host, newest first.
	RecentMarkers(ctx context.Context, hostname string, limit int) ([]FileMarker, error)
}

// Store is the durable backend shared by all ingestion runs. A Store is
// opened once per process; callers guarantee runs never overlap.
type Store interface {
	RecordRepository
	MarkerRepository

	// Provision creates collections/tables and indexes. Failing here is fatal.
	Provision(ctx context.Context) error

	Close(ctx context.Context) error
}

// RecordPublisher fans persisted records out to live consumers.
type RecordPublisher interface {
	Publish(ctx context.Context, records []LogRecord) error
}

// RecordStreamReader consumes published records.
type RecordStreamReader interface {
	// ReadRecords reads up to count records for a consumer of a group.
	ReadRecords(ctx context.Context, group, consumer string, count int) ([]StreamRecord, error)

	// Acknowledge marks stream messages as processed for the group.
	Acknowledge(ctx context.Context, group string, messageIDs ...string) error
}

// StreamRecord is a record read back from the stream with its message id.
type StreamRecord struct {
	MessageID string
	Record    LogRecord
}

// WALRepository defines the interface for the local spool used while the
// publisher's stream is unreachable.
type WALRepository interface {
	// Write appends a batch of records to the local WAL file.
	Write(ctx context.Context, records []LogRecord) error

	// Replay reads batches from the WAL and sends them to a handler function.
	Replay(ctx context.Context, handler func(records []LogRecord) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}
