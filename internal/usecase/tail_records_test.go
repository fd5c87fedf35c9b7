package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/domain/mocks"
)

type recordingSink struct {
	emitted []domain.LogRecord
	err     error
	calls   int
}

func (s *recordingSink) Emit(records []domain.LogRecord) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.emitted = append(s.emitted, records...)
	return nil
}

func TestTailRecordsUseCase_ProcessBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testRecords := func() []domain.StreamRecord {
		return []domain.StreamRecord{
			{MessageID: "1-0", Record: domain.LogRecord{Hostname: "farmer-01", Level: domain.LevelDebug, Message: "debug"}},
			{MessageID: "2-0", Record: domain.LogRecord{Hostname: "farmer-01", Level: domain.LevelError, Message: "error"}},
			{MessageID: "3-0", Record: domain.LogRecord{Hostname: "harvester-02", Level: domain.LevelCritical, Message: "other host"}},
		}
	}

	t.Run("Successful Processing", func(t *testing.T) {
		reader := &mocks.MockStreamReader{ReadResult: testRecords()}
		sink := &recordingSink{}
		uc := NewTailRecordsUseCase(reader, sink, RecordFilter{}, logger, "group", "consumer", 3, time.Millisecond)

		count, err := uc.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 3 || len(sink.emitted) != 3 {
			t.Errorf("expected 3 emitted records, got count=%d emitted=%d", count, len(sink.emitted))
		}
		if len(reader.AckedIDs) != 3 {
			t.Errorf("expected 3 acked messages, got %d", len(reader.AckedIDs))
		}
	})

	t.Run("Filtered Records Are Still Acknowledged", func(t *testing.T) {
		reader := &mocks.MockStreamReader{ReadResult: testRecords()}
		sink := &recordingSink{}
		filter := RecordFilter{Hostname: "farmer-01", MinLevel: domain.LevelWarning}
		uc := NewTailRecordsUseCase(reader, sink, filter, logger, "group", "consumer", 3, time.Millisecond)

		count, err := uc.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if count != 1 || sink.emitted[0].Message != "error" {
			t.Errorf("expected only the farmer-01 ERROR record, got %+v", sink.emitted)
		}
		if len(reader.AckedIDs) != 3 {
			t.Errorf("expected all 3 messages acked, got %d", len(reader.AckedIDs))
		}
	})

	t.Run("Sink Failure With Retry", func(t *testing.T) {
		reader := &mocks.MockStreamReader{ReadResult: testRecords()}
		sink := &recordingSink{err: errors.New("broken pipe")}
		uc := NewTailRecordsUseCase(reader, sink, RecordFilter{}, logger, "group", "consumer", 2, time.Millisecond)

		count, err := uc.ProcessBatch(context.Background())
		if err == nil {
			t.Fatal("expected an error, got nil")
		}
		if count != 0 {
			t.Errorf("expected processed count 0, got %d", count)
		}
		if sink.calls != 2 {
			t.Errorf("expected 2 emit attempts, got %d", sink.calls)
		}
		if len(reader.AckedIDs) != 0 {
			t.Errorf("failed batch must not be acked, got %d acks", len(reader.AckedIDs))
		}
	})

	t.Run("Stream Read Error", func(t *testing.T) {
		reader := &mocks.MockStreamReader{ReadErr: errors.New("redis connection failed")}
		uc := NewTailRecordsUseCase(reader, &recordingSink{}, RecordFilter{}, logger, "group", "consumer", 3, time.Millisecond)

		if _, err := uc.ProcessBatch(context.Background()); err == nil {
			t.Fatal("expected an error, got nil")
		}
	})

	t.Run("Empty Read", func(t *testing.T) {
		reader := &mocks.MockStreamReader{}
		sink := &recordingSink{}
		uc := NewTailRecordsUseCase(reader, sink, RecordFilter{}, logger, "group", "consumer", 3, time.Millisecond)

		count, err := uc.ProcessBatch(context.Background())
		if err != nil || count != 0 || sink.calls != 0 {
			t.Errorf("empty read = (%d, %v) with %d sink calls", count, err, sink.calls)
		}
	})

	t.Run("Acknowledge Error", func(t *testing.T) {
		reader := &mocks.MockStreamReader{ReadResult: testRecords(), AckErr: errors.New("NOGROUP")}
		uc := NewTailRecordsUseCase(reader, &recordingSink{}, RecordFilter{}, logger, "group", "consumer", 3, time.Millisecond)

		if _, err := uc.ProcessBatch(context.Background()); err == nil {
			t.Fatal("expected an error, got nil")
		}
	})
}

func TestRecordFilter_Match(t *testing.T) {
	rec := domain.LogRecord{Hostname: "farmer-01", Level: domain.LevelWarning}
	tests := []struct {
		name   string
		filter RecordFilter
		want   bool
	}{
		{"zero filter", RecordFilter{}, true},
		{"same host", RecordFilter{Hostname: "farmer-01"}, true},
		{"other host", RecordFilter{Hostname: "harvester-02"}, false},
		{"level at threshold", RecordFilter{MinLevel: domain.LevelWarning}, true},
		{"level below threshold", RecordFilter{MinLevel: domain.LevelError}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(rec); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
