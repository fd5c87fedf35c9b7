package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	defaultTailBatchSize    = 100
	defaultTailRetryCount   = 3
	defaultTailRetryBackoff = 1 * time.Second
)

// RecordSink receives records read from the stream.
type RecordSink interface {
	Emit(records []domain.LogRecord) error
}

// RecordFilter selects which stream records reach the sink. The zero value
// passes everything.
type RecordFilter struct {
	Hostname string
	MinLevel domain.Level
}

// Match reports whether rec passes the filter.
func (f RecordFilter) Match(rec domain.LogRecord) bool {
	if f.Hostname != "" && rec.Hostname != f.Hostname {
		return false
	}
	if f.MinLevel != "" && rec.Level.Severity() < f.MinLevel.Severity() {
		return false
	}
	return true
}

// TailRecordsUseCase reads published records through a consumer group,
// hands the matching ones to a sink, and acknowledges the batch.
type TailRecordsUseCase struct {
	reader       domain.RecordStreamReader
	sink         RecordSink
	filter       RecordFilter
	logger       *slog.Logger
	group        string
	consumer     string
	batchSize    int
	retryCount   int
	retryBackoff time.Duration
}

// NewTailRecordsUseCase creates the use case. Zero retry values select the defaults.
func NewTailRecordsUseCase(reader domain.RecordStreamReader, sink RecordSink, filter RecordFilter, logger *slog.Logger, group, consumer string, retryCount int, retryBackoff time.Duration) *TailRecordsUseCase {
	if retryCount <= 0 {
		retryCount = defaultTailRetryCount
	}
	if retryBackoff <= 0 {
		retryBackoff = defaultTailRetryBackoff
	}
	return &TailRecordsUseCase{
		reader:       reader,
		sink:         sink,
		filter:       filter,
		logger:       logger.With("component", "tail", "group", group, "consumer", consumer),
		group:        group,
		consumer:     consumer,
		batchSize:    defaultTailBatchSize,
		retryCount:   retryCount,
		retryBackoff: retryBackoff,
	}
}

// ProcessBatch reads one batch and returns how many records reached the sink.
// Messages are acknowledged only after the sink accepted the batch, so a
// failed batch is redelivered to the group.
func (uc *TailRecordsUseCase) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := uc.reader.ReadRecords(ctx, uc.group, uc.consumer, uc.batchSize)
	if err != nil {
		uc.logger.Error("failed to read records from stream", "error", err)
		return 0, err
	}
	return uc.Handle(ctx, msgs)
}

// Handle emits and acknowledges msgs. ProcessBatch uses it for fresh reads;
// callers use it directly for entries claimed from a dead consumer.
func (uc *TailRecordsUseCase) Handle(ctx context.Context, msgs []domain.StreamRecord) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(msgs))
	var records []domain.LogRecord
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
		if uc.filter.Match(m.Record) {
			records = append(records, m.Record)
		}
	}

	if len(records) > 0 {
		if err := uc.emitWithRetry(ctx, records); err != nil {
			uc.logger.Error("failed to emit records after retries", "count", len(records), "error", err)
			return 0, err
		}
	}

	if err := uc.reader.Acknowledge(ctx, uc.group, ids...); err != nil {
		uc.logger.Error("failed to acknowledge stream messages", "error", err)
		return 0, err
	}
	uc.logger.Debug("processed stream batch", "read", len(msgs), "emitted", len(records))
	return len(records), nil
}

func (uc *TailRecordsUseCase) emitWithRetry(ctx context.Context, records []domain.LogRecord) error {
	var lastErr error
	for i := 0; i < uc.retryCount; i++ {
		err := uc.sink.Emit(records)
		if err == nil {
			return nil
		}
		lastErr = err
		uc.logger.Warn("failed to emit records, retrying", "attempt", i+1, "error", err)
		select {
		case <-time.After(uc.retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
