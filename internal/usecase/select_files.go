package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/V4T54L/chialog/internal/domain"
)

// Candidate is a rotated log file that still needs processing.
type Candidate struct {
	Path    string
	Name    string
	ModTime time.Time // millisecond precision, UTC
	Size    int64
}

// FileSelector finds rotated log files newer than the host's last marker.
type FileSelector struct {
	prefix string
	logger *slog.Logger
}

// NewFileSelector creates a selector for files whose basename starts with prefix.
func NewFileSelector(prefix string, logger *slog.Logger) *FileSelector {
	return &FileSelector{prefix: prefix, logger: logger}
}

// Select lists dir (no recursion, symlinks followed) and returns the files
// carrying the prefix. With a marker, only files whose mtime is strictly
// after marker.LastModifiedTime are returned. Candidates are ordered oldest
// first.
func (s *FileSelector) Select(ctx context.Context, dir string, marker *domain.FileMarker) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading log directory %s: %w", dir, err)
	}

	var candidates []Candidate
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if !strings.HasPrefix(name, s.prefix) {
			continue
		}

		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			s.logger.Warn("skip unreadable log file", "file", name, "error", err)
			continue
		}
		if info.IsDir() {
			continue
		}
		// Opening a FIFO without a writer blocks.
		if !info.Mode().IsRegular() {
			s.logger.Warn("skip log file, not a regular file", "file", name, "type", info.Mode().Type().String())
			continue
		}

		modTime := domain.MarkerTime(info.ModTime())
		if marker != nil && !modTime.After(marker.LastModifiedTime) {
			s.logger.Debug("skip file, already handled", "file", name, "mtime", modTime, "marker", marker.LastModifiedTime)
			continue
		}

		candidates = append(candidates, Candidate{
			Path:    path,
			Name:    name,
			ModTime: modTime,
			Size:    info.Size(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].Name < candidates[j].Name
		}
		return candidates[i].ModTime.Before(candidates[j].ModTime)
	})
	return candidates, nil
}
