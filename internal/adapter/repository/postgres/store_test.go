package postgres

import (
	"strings"
	"testing"
)

func TestRowsOverCap(t *testing.T) {
	tests := []struct {
		name                   string
		total, live, dead, cap int64
		want                   int64
	}{
		{name: "empty table", total: 0, live: 0, dead: 0, cap: 100, want: 0},
		{name: "under bound", total: 1000, live: 10, dead: 0, cap: 2000, want: 0},
		{name: "exactly at bound", total: 1000, live: 10, dead: 0, cap: 1000, want: 0},
		{name: "over bound", total: 1000, live: 10, dead: 0, cap: 700, want: 3},
		{name: "rounds up partial rows", total: 1000, live: 10, dead: 0, cap: 750, want: 3},
		{name: "dead tuples do not count as live", total: 2000, live: 10, dead: 10, cap: 1000, want: 0},
		{name: "tiny rows", total: 5, live: 10, dead: 0, cap: 4, want: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rowsOverCap(tt.total, tt.live, tt.dead, tt.cap); got != tt.want {
				t.Errorf("rowsOverCap(%d, %d, %d, %d) = %d, want %d", tt.total, tt.live, tt.dead, tt.cap, got, tt.want)
			}
		})
	}
}

func TestSchemaIndexes(t *testing.T) {
	all := strings.Join(schema, "\n")
	for _, want := range []string{
		"ON log_records (hostname)",
		"ON log_records (datetime DESC)",
		"ON log_records (level)",
		"ON file_markers (last_modified_time DESC)",
		"ON file_markers (hostname)",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("schema lacks index %q", want)
		}
	}
}
