// Package wal spools record batches to local segment files while the
// record stream is unreachable.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".jsonl"
	filePerm      = 0o644
)

// ErrSpoolFull is returned when a batch would push the spool past its disk bound.
var ErrSpoolFull = errors.New("spool disk bound reached")

type entry struct {
	SpooledAt time.Time          `json:"spooled_at"`
	Records   []domain.LogRecord `json:"records"`
}

// Spool is a segmented append-only file log of record batches. It
// implements domain.WALRepository.
type Spool struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu          sync.Mutex
	current     *os.File
	currentSize int64
	segmentSeq  int64
	replayed    []string // segments the last Replay consumed completely
}

// NewSpool opens the spool in dir, creating it if needed, and resumes
// appending to the newest segment.
func NewSpool(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory %s: %w", dir, err)
	}
	s := &Spool{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "spool"),
	}
	if err := s.openLatestSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write appends one batch as a single line.
func (s *Spool) Write(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	data, err := json.Marshal(entry{SpooledAt: time.Now().UTC(), Records: records})
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	total, err := s.totalSize()
	if err != nil {
		return fmt.Errorf("measuring spool: %w", err)
	}
	if total+int64(len(data)) > s.maxTotalSize {
		return fmt.Errorf("%w: %s used of %s", ErrSpoolFull,
			humanize.IBytes(uint64(total)), humanize.IBytes(uint64(s.maxTotalSize)))
	}

	n, err := s.current.Write(data)
	s.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("writing spool segment: %w", err)
	}
	if s.currentSize >= s.maxSegmentSize {
		if err := s.rotate(); err != nil {
			s.logger.Error("failed to rotate spool segment", "error", err)
		}
	}
	return nil
}

// Replay hands every spooled batch to handler, oldest first. It stops at
// the first handler error; corrupt lines are skipped. The current segment
// is closed first, so batches written during or after the replay land in a
// new segment that Truncate keeps.
func (s *Spool) Replay(ctx context.Context, handler func(records []domain.LogRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replayed = nil
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}

	segments, err := s.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	s.logger.Info("replaying spool", "segments", len(segments))

	batches := 0
	for _, path := range segments {
		n, err := s.replaySegment(ctx, path, handler)
		batches += n
		if err != nil {
			return err
		}
		s.replayed = append(s.replayed, path)
	}
	s.logger.Info("spool replay completed", "batches", batches)
	return nil
}

func (s *Spool) replaySegment(ctx context.Context, path string, handler func([]domain.LogRecord) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening segment %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			return batches, err
		}
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				s.logger.Warn("skipping corrupt spool entry", "segment", filepath.Base(path), "error", err)
			} else {
				if err := handler(e.Records); err != nil {
					return batches, fmt.Errorf("replay handler failed: %w", err)
				}
				batches++
			}
		}
		if errors.Is(readErr, io.EOF) {
			return batches, nil
		}
		if readErr != nil {
			return batches, fmt.Errorf("reading segment %s: %w", path, readErr)
		}
	}
}

// Truncate removes the segments consumed by the last Replay. Segments
// written since then are kept for the next replay.
func (s *Spool) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range s.replayed {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to remove spool segment", "path", path, "error", err)
		}
	}
	s.replayed = nil
	if s.current == nil {
		return s.rotate()
	}
	return nil
}

// Size returns the bytes currently spooled.
func (s *Spool) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize()
}

// Close closes the current segment.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}

func (s *Spool) rotate() error {
	if s.current != nil {
		if err := s.current.Sync(); err != nil {
			s.logger.Error("failed to sync spool segment", "error", err)
		}
		if err := s.current.Close(); err != nil {
			s.logger.Error("failed to close spool segment", "error", err)
		}
		s.current = nil
	}

	// Names sort in creation order even when two rotations share a clock tick.
	seq := time.Now().UnixNano()
	if seq <= s.segmentSeq {
		seq = s.segmentSeq + 1
	}
	s.segmentSeq = seq
	path := filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, seq, segmentSuffix))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("creating spool segment %s: %w", path, err)
	}
	s.current = f
	s.currentSize = 0
	s.logger.Debug("rotated spool segment", "path", path)
	return nil
}

func (s *Spool) openLatestSegment() error {
	segments, err := s.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return s.rotate()
	}

	latest := segments[len(segments)-1]
	info, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("inspecting segment %s: %w", latest, err)
	}
	if info.Size() >= s.maxSegmentSize {
		return s.rotate()
	}
	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", latest, err)
	}
	s.current = f
	s.currentSize = info.Size()
	s.logger.Info("resumed spool segment", "path", latest, "size", humanize.IBytes(uint64(info.Size())))
	return nil
}

func (s *Spool) segments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), segmentSuffix) {
			out = append(out, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Spool) totalSize() (int64, error) {
	segments, err := s.segments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
