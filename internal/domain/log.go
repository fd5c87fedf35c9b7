package domain

import (
	"fmt"
	"time"
)

// Level is the severity token of a Chia log line. Tokens are case-sensitive.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel maps a level token to a Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return l, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Severity orders levels from DEBUG (0) to CRITICAL (4). Unknown levels are -1.
func (l Level) Severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	}
	return -1
}

// LogRecord is one parsed line of a Chia debug log.
type LogRecord struct {
	Hostname        string    `json:"hostname"`
	Timestamp       time.Time `json:"datetime"` // wall clock of the log line, stored as UTC
	Level           Level     `json:"level"`
	ServiceName     string    `json:"serviceName"`
	ServiceFullName string    `json:"serviceFullName"`
	Message         string    `json:"message"`
}

// FileMarker records that a log file was handled by an ingestion run.
// Markers are append-only; the newest one per host, ordered by
// LastModifiedTime, is the cursor for the next run.
type FileMarker struct {
	Hostname         string    `json:"hostname"`
	Filename         string    `json:"filename"`
	LastModifiedTime time.Time `json:"lastModifiedTime"`
	LineCount        int       `json:"lines"`
}

// MarkerTime normalises a filesystem mtime to the precision markers are
// stored and compared with.
func MarkerTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
