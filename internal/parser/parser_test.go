package parser

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/V4T54L/chialog/internal/domain"
)

func TestParse_Match(t *testing.T) {
	p := Default()

	tests := []struct {
		name string
		line string
		want domain.LogRecord
	}{
		{
			name: "full node info",
			line: "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO     \U0001f331 Updated peak to height 123",
			want: domain.LogRecord{
				Timestamp:       time.Date(2021, 7, 31, 9, 3, 22, 726_000_000, time.UTC),
				Level:           domain.LevelInfo,
				ServiceName:     "full_node",
				ServiceFullName: "chia.full_node.full_node",
				Message:         "\U0001f331 Updated peak to height 123",
			},
		},
		{
			name: "message keeps colons",
			line: "2021-08-01T00:00:00.001 wallet chia.wallet.wallet_node: WARNING  peer 1.2.3.4:8444: timeout",
			want: domain.LogRecord{
				Timestamp:       time.Date(2021, 8, 1, 0, 0, 0, 1_000_000, time.UTC),
				Level:           domain.LevelWarning,
				ServiceName:     "wallet",
				ServiceFullName: "chia.wallet.wallet_node",
				Message:         "peer 1.2.3.4:8444: timeout",
			},
		},
		{
			name: "message spans newlines",
			line: "2021-08-01T12:30:45.999 harvester chia.harvester.harvester: ERROR    Traceback:\n  File \"x.py\"\nValueError",
			want: domain.LogRecord{
				Timestamp:       time.Date(2021, 8, 1, 12, 30, 45, 999_000_000, time.UTC),
				Level:           domain.LevelError,
				ServiceName:     "harvester",
				ServiceFullName: "chia.harvester.harvester",
				Message:         "Traceback:\n  File \"x.py\"\nValueError",
			},
		},
		{
			name: "service full name may be empty",
			line: "2021-08-01T12:30:45.000 daemon : CRITICAL boom",
			want: domain.LogRecord{
				Timestamp:   time.Date(2021, 8, 1, 12, 30, 45, 0, time.UTC),
				Level:       domain.LevelCritical,
				ServiceName: "daemon",
				Message:     "boom",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Parse(tt.line)
			if !ok {
				t.Fatalf("Parse(%q) = no match, want match", tt.line)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_CleansText(t *testing.T) {
	p := Default()
	tests := []struct {
		name        string
		line        string
		wantService string
		wantMessage string
	}{
		{
			name:        "invalid utf8 and nul in message",
			line:        "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO     bad \xff\x00 bytes",
			wantService: "full_node",
			wantMessage: "bad \uFFFD bytes",
		},
		{
			name:        "invalid utf8 in service",
			line:        "2021-07-31T09:03:22.726 full\xfe_node chia.full_node.full_node: ERROR    ok",
			wantService: "full\uFFFD_node",
			wantMessage: "ok",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := p.Parse(tt.line)
			if !ok {
				t.Fatal("expected a match")
			}
			if rec.ServiceName != tt.wantService {
				t.Errorf("ServiceName = %q, want %q", rec.ServiceName, tt.wantService)
			}
			if rec.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", rec.Message, tt.wantMessage)
			}
			for _, field := range []string{rec.ServiceName, rec.ServiceFullName, rec.Message} {
				if !utf8.ValidString(field) || strings.ContainsRune(field, 0) {
					t.Errorf("field %q is not clean text", field)
				}
			}
		})
	}
}

func TestParse_NoMatch(t *testing.T) {
	p := Default()

	lines := []struct{ name, line string }{
		{"empty", ""},
		{"missing level", "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: peak reached"},
		{"lowercase level", "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: info     peak"},
		{"unknown level", "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: NOTICE   peak"},
		{"space in timestamp", "2021-07-31 09:03:22.726 full_node chia.full_node.full_node: INFO     peak"},
		{"short millis", "2021-07-31T09:03:22.72 full_node chia.full_node.full_node: INFO     peak"},
		{"bad millis separator", "2021-07-31T09:03:22x726 full_node chia.full_node.full_node: INFO     peak"},
		{"impossible month", "2021-13-31T09:03:22.726 full_node chia.full_node.full_node: INFO     peak"},
		{"leading garbage", "xx 2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO     peak"},
		{"service without space", "2021-07-31T09:03:22.726 full_node: INFO     peak"},
		{"no message separator", "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO"},
		{"continuation line", "    raise ValueError(\"bad\")"},
	}

	for _, tt := range lines {
		t.Run(tt.name, func(t *testing.T) {
			if rec, ok := p.Parse(tt.line); ok {
				t.Errorf("Parse(%q) = %+v, want no match", tt.line, rec)
			}
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	p := Default()
	levels := []domain.Level{domain.LevelDebug, domain.LevelInfo, domain.LevelWarning, domain.LevelError, domain.LevelCritical}
	services := [][2]string{
		{"full_node", "chia.full_node.full_node"},
		{"farmer_server", "chia.server.server"},
		{"wallet", "chia.wallet.util.wallet_sync_utils"},
	}
	messages := []string{"x", "peak: 42", "multi\nline\nmessage", "  padded  "}

	ts := time.Date(2022, 2, 28, 23, 59, 59, 123_000_000, time.UTC)
	for _, lvl := range levels {
		for _, svc := range services {
			for _, msg := range messages {
				want := domain.LogRecord{
					Timestamp:       ts,
					Level:           lvl,
					ServiceName:     svc[0],
					ServiceFullName: svc[1],
					Message:         msg,
				}
				line := Format(want)
				got, ok := p.Parse(line)
				if !ok {
					t.Fatalf("Parse(%q) = no match", line)
				}
				// Leading spaces of the message are consumed by the separator.
				if msg == "  padded  " {
					want.Message = "padded  "
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("Parse(%q) mismatch (-want +got):\n%s", line, diff)
				}
			}
		}
	}
}

func TestFormat(t *testing.T) {
	rec := domain.LogRecord{
		Hostname:        "ignored",
		Timestamp:       time.Date(2021, 7, 31, 9, 3, 22, 726_000_000, time.UTC),
		Level:           domain.LevelInfo,
		ServiceName:     "full_node",
		ServiceFullName: "chia.full_node.full_node",
		Message:         "peak 123",
	}
	want := "2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO     peak 123"
	if got := Format(rec); got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestNew_CustomGrammar(t *testing.T) {
	p, err := New(Grammar{
		Pattern:    `^\[(?P<datetime>[^\]]+)\] (?P<level>[A-Z]+) (?P<service>\S+ \S+) - (?P<message>.*)$`,
		TimeLayout: "2006/01/02 15:04:05",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, ok := p.Parse("[2023/05/06 07:08:09] ERROR node chia.node - disk full")
	if !ok {
		t.Fatal("Parse() = no match, want match")
	}
	want := domain.LogRecord{
		Timestamp:       time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC),
		Level:           domain.LevelError,
		ServiceName:     "node",
		ServiceFullName: "chia.node",
		Message:         "disk full",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}

	// Level tokens outside the enumeration are rejected even if the custom
	// pattern lets them through.
	if _, ok := p.Parse("[2023/05/06 07:08:09] TRACE node chia.node - x"); ok {
		t.Error("Parse() accepted an unknown level")
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Grammar{Pattern: `(?P<datetime>\S+) (?P<level>\w+) (?P<message>.*)`})
	if !errors.Is(err, ErrMissingGroup) {
		t.Errorf("New() error = %v, want ErrMissingGroup", err)
	}

	if _, err := New(Grammar{Pattern: `(?P<datetime>[`}); err == nil {
		t.Error("New() with invalid regexp should fail")
	}
}
