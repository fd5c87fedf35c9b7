package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/V4T54L/chialog/internal/domain"
)

func testStore(t *testing.T, cappedBytes int64) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chialog.db")
	s, err := Open(path, cappedBytes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	if err := s.Provision(context.Background()); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return s
}

func makeRecords(host string, n int, msg string) []domain.LogRecord {
	ts := time.Date(2021, 7, 31, 9, 3, 22, 726_000_000, time.UTC)
	out := make([]domain.LogRecord, n)
	for i := range out {
		out[i] = domain.LogRecord{
			Hostname:        host,
			Timestamp:       ts.Add(time.Duration(i) * time.Millisecond),
			Level:           domain.LevelInfo,
			ServiceName:     "full_node",
			ServiceFullName: "chia.full_node.full_node",
			Message:         msg,
		}
	}
	return out
}

func readRecords(t *testing.T, s *Store) []domain.LogRecord {
	t.Helper()
	rows, err := s.db.Query(`SELECT hostname, datetime, level, service_name, service_full_name, message
		FROM log_records ORDER BY id`)
	if err != nil {
		t.Fatalf("querying records: %v", err)
	}
	defer rows.Close()

	var out []domain.LogRecord
	for rows.Next() {
		var r domain.LogRecord
		var ts, level string
		if err := rows.Scan(&r.Hostname, &ts, &level, &r.ServiceName, &r.ServiceFullName, &r.Message); err != nil {
			t.Fatalf("scanning record: %v", err)
		}
		r.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			t.Fatalf("parsing stored datetime %q: %v", ts, err)
		}
		r.Level = domain.Level(level)
		out = append(out, r)
	}
	return out
}

func TestWriteRecordBatch(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	records := makeRecords("farmer-01", 3, "peak")
	records[1].Message = "multi\nline\tmessage with unicode ✓"

	n, err := s.WriteRecordBatch(ctx, records)
	if err != nil {
		t.Fatalf("WriteRecordBatch: %v", err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3", n)
	}
	if diff := cmp.Diff(records, readRecords(t, s)); diff != "" {
		t.Errorf("stored records mismatch (-want +got):\n%s", diff)
	}

	n, err = s.WriteRecordBatch(ctx, nil)
	if err != nil || n != 0 {
		t.Errorf("empty batch = (%d, %v), want (0, nil)", n, err)
	}
}

func TestMarkers(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	base := time.Date(2021, 7, 31, 9, 0, 0, 0, time.UTC)

	got, err := s.LatestMarker(ctx, "farmer-01")
	if err != nil {
		t.Fatalf("LatestMarker on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no marker, got %+v", got)
	}

	markers := []domain.FileMarker{
		{Hostname: "farmer-01", Filename: "debug.log.2", LastModifiedTime: base, LineCount: 10},
		{Hostname: "farmer-01", Filename: "debug.log.1", LastModifiedTime: base.Add(time.Minute + 987654321), LineCount: 20},
		{Hostname: "harvester-02", Filename: "debug.log.1", LastModifiedTime: base.Add(time.Hour), LineCount: 30},
	}
	for _, m := range markers {
		if err := s.AppendMarker(ctx, m); err != nil {
			t.Fatalf("AppendMarker: %v", err)
		}
	}

	got, err = s.LatestMarker(ctx, "farmer-01")
	if err != nil {
		t.Fatalf("LatestMarker: %v", err)
	}
	want := markers[1]
	want.LastModifiedTime = domain.MarkerTime(want.LastModifiedTime)
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("latest marker mismatch (-want +got):\n%s", diff)
	}

	recent, err := s.RecentMarkers(ctx, "farmer-01", 10)
	if err != nil {
		t.Fatalf("RecentMarkers: %v", err)
	}
	var names []string
	for _, m := range recent {
		names = append(names, m.Filename)
	}
	if diff := cmp.Diff([]string{"debug.log.1", "debug.log.2"}, names); diff != "" {
		t.Errorf("recent markers mismatch (-want +got):\n%s", diff)
	}
}

func TestMarkersAreAppendOnly(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()
	mtime := time.Date(2021, 7, 31, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		m := domain.FileMarker{Hostname: "farmer-01", Filename: "debug.log.1", LastModifiedTime: mtime, LineCount: i}
		if err := s.AppendMarker(ctx, m); err != nil {
			t.Fatalf("AppendMarker: %v", err)
		}
	}
	recent, err := s.RecentMarkers(ctx, "farmer-01", 0)
	if err != nil {
		t.Fatalf("RecentMarkers: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected both markers kept, got %d", len(recent))
	}
}

func TestSizeBoundEvictsOldestRecords(t *testing.T) {
	const bound = 128 * 1024
	s := testStore(t, bound)
	ctx := context.Background()

	payload := strings.Repeat("x", 1024)
	for batch := 0; batch < 5; batch++ {
		records := makeRecords("farmer-01", 100, payload)
		for i := range records {
			records[i].Message = payload + "-" + string(rune('a'+batch))
		}
		if _, err := s.WriteRecordBatch(ctx, records); err != nil {
			t.Fatalf("WriteRecordBatch: %v", err)
		}
	}

	stored := readRecords(t, s)
	if len(stored) == 0 || len(stored) >= 500 {
		t.Fatalf("expected eviction to keep some but not all of 500 records, kept %d", len(stored))
	}
	if last := stored[len(stored)-1].Message; last != payload+"-e" {
		t.Errorf("newest record was evicted, last message suffix %q", last[len(last)-2:])
	}
	if first := stored[0].Message; first == payload+"-a" {
		t.Error("oldest batch survived eviction")
	}

	used, err := s.usedBytes(ctx)
	if err != nil {
		t.Fatalf("usedBytes: %v", err)
	}
	if used > 2*bound {
		t.Errorf("used bytes %d far above bound %d", used, bound)
	}
}

func TestEvictionCount(t *testing.T) {
	tests := []struct {
		name              string
		used, rows, bound int64
		want              int64
	}{
		{name: "just over", used: 1001, rows: 10, bound: 1000, want: 1},
		{name: "half", used: 1000, rows: 10, bound: 500, want: 5},
		{name: "never more than rows", used: 1000, rows: 10, bound: 0, want: 10},
		{name: "tiny rows", used: 5, rows: 10, bound: 2, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evictionCount(tt.used, tt.rows, tt.bound); got != tt.want {
				t.Errorf("evictionCount(%d, %d, %d) = %d, want %d", tt.used, tt.rows, tt.bound, got, tt.want)
			}
		})
	}
}
