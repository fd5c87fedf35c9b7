package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/V4T54L/chialog/internal/domain"
)

func setupTestSpool(t *testing.T, dir string, maxSegmentSize, maxTotalSize int64) *Spool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSpool(dir, maxSegmentSize, maxTotalSize, logger)
	if err != nil {
		t.Fatalf("failed to create spool: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func batch(prefix string, n int) []domain.LogRecord {
	ts := time.Date(2021, 7, 31, 9, 3, 22, 726_000_000, time.UTC)
	out := make([]domain.LogRecord, n)
	for i := range out {
		out[i] = domain.LogRecord{
			Hostname:        "farmer-01",
			Timestamp:       ts,
			Level:           domain.LevelInfo,
			ServiceName:     "full_node",
			ServiceFullName: "chia.full_node.full_node",
			Message:         fmt.Sprintf("%s %d", prefix, i),
		}
	}
	return out
}

func replayAll(t *testing.T, s *Spool) [][]domain.LogRecord {
	t.Helper()
	var got [][]domain.LogRecord
	err := s.Replay(context.Background(), func(records []domain.LogRecord) error {
		got = append(got, records)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return got
}

func TestSpool_WriteAndReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()
	s := setupTestSpool(t, dir, 1024, 1<<20)

	want := [][]domain.LogRecord{batch("a", 3), batch("b", 1), batch("c", 5)}
	for _, b := range want {
		if err := s.Write(context.Background(), b); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	s.Close()

	reopened := setupTestSpool(t, dir, 1024, 1<<20)
	if diff := cmp.Diff(want, replayAll(t, reopened)); diff != "" {
		t.Errorf("replayed batches mismatch (-want +got):\n%s", diff)
	}
}

func TestSpool_RotatesSegments(t *testing.T) {
	dir := t.TempDir()
	s := setupTestSpool(t, dir, 256, 1<<20)

	for i := 0; i < 4; i++ {
		if err := s.Write(context.Background(), batch(fmt.Sprintf("batch-%d", i), 2)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	segments, err := s.segments()
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if len(segments) < 4 {
		t.Errorf("expected a segment per oversized batch, got %d", len(segments))
	}
	if got := len(replayAll(t, s)); got != 4 {
		t.Errorf("replayed %d batches, want 4", got)
	}
}

func TestSpool_DiskBound(t *testing.T) {
	s := setupTestSpool(t, t.TempDir(), 1<<20, 512)

	if err := s.Write(context.Background(), batch("fits", 1)); err != nil {
		t.Fatalf("first write should fit: %v", err)
	}
	err := s.Write(context.Background(), batch("overflow", 10))
	if !errors.Is(err, ErrSpoolFull) {
		t.Fatalf("expected ErrSpoolFull, got %v", err)
	}
}

func TestSpool_Truncate(t *testing.T) {
	s := setupTestSpool(t, t.TempDir(), 1<<20, 1<<20)

	if err := s.Write(context.Background(), batch("x", 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := replayAll(t, s); len(got) != 1 {
		t.Fatalf("replayed %d batches, want 1", len(got))
	}
	if err := s.Truncate(context.Background()); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := replayAll(t, s); len(got) != 0 {
		t.Errorf("expected empty spool after truncate, replayed %d batches", len(got))
	}
	size, err := s.Size()
	if err != nil || size != 0 {
		t.Errorf("Size() = (%d, %v), want (0, nil)", size, err)
	}
	if err := s.Write(context.Background(), batch("after", 1)); err != nil {
		t.Errorf("Write after truncate: %v", err)
	}
}

func TestSpool_TruncateKeepsBatchesWrittenAfterReplay(t *testing.T) {
	s := setupTestSpool(t, t.TempDir(), 1<<20, 1<<20)
	ctx := context.Background()

	if err := s.Write(ctx, batch("a", 1)); err != nil {
		t.Fatalf("Write(a): %v", err)
	}
	if got := replayAll(t, s); len(got) != 1 {
		t.Fatalf("first replay got %d batches, want 1", len(got))
	}
	// The publisher spools again before the replay is truncated.
	if err := s.Write(ctx, batch("b", 1)); err != nil {
		t.Fatalf("Write(b): %v", err)
	}
	if err := s.Truncate(ctx); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got := replayAll(t, s)
	if diff := cmp.Diff([][]domain.LogRecord{batch("b", 1)}, got); diff != "" {
		t.Errorf("second replay mismatch (-want +got):\n%s", diff)
	}
}

func TestSpool_TruncateWithoutReplayKeepsEverything(t *testing.T) {
	s := setupTestSpool(t, t.TempDir(), 1<<20, 1<<20)
	ctx := context.Background()

	if err := s.Write(ctx, batch("x", 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Truncate(ctx); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := replayAll(t, s); len(got) != 1 {
		t.Errorf("replayed %d batches, want 1", len(got))
	}
}

func TestSpool_ReplayStopsOnHandlerError(t *testing.T) {
	s := setupTestSpool(t, t.TempDir(), 1<<20, 1<<20)
	for i := 0; i < 3; i++ {
		if err := s.Write(context.Background(), batch("x", 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	calls := 0
	handlerErr := errors.New("stream unavailable")
	err := s.Replay(context.Background(), func([]domain.LogRecord) error {
		calls++
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("Replay error = %v, want %v", err, handlerErr)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestSpool_SkipsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	s := setupTestSpool(t, dir, 1<<20, 1<<20)
	if err := s.Write(context.Background(), batch("good", 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	segments, _ := s.segments()
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	if got := replayAll(t, s); len(got) != 1 {
		t.Errorf("expected only the valid batch, got %d", len(got))
	}
}
