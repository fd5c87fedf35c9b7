package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/V4T54L/chialog/internal/adapter/metrics"
	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/parser"
)

const readBufferSize = 64 * 1024

var tracer = otel.Tracer("chialog/ingest")

// IngestConfig holds the per-process settings of an ingestion run.
type IngestConfig struct {
	Hostname     string
	LogDir       string
	SkipDebug    bool
	StoreTimeout time.Duration
}

// IngestFilesUseCase runs one scheduled ingestion pass: select new rotated
// log files, parse them, persist the records and append a marker per file.
//
// Run is not safe for concurrent use; the scheduler guarantees runs never
// overlap.
type IngestFilesUseCase struct {
	records   domain.RecordRepository
	markers   domain.MarkerRepository
	selector  *FileSelector
	parser    *parser.Parser
	publisher domain.RecordPublisher // optional
	metrics   *metrics.IngestMetrics // optional
	logger    *slog.Logger
	cfg       IngestConfig

	// openFile is os.Open outside tests.
	openFile func(name string) (io.ReadCloser, error)

	mu   sync.RWMutex
	last *domain.RunSummary
}

// NewIngestFilesUseCase creates the ingestion use case. publisher and m may be nil.
func NewIngestFilesUseCase(
	records domain.RecordRepository,
	markers domain.MarkerRepository,
	selector *FileSelector,
	p *parser.Parser,
	publisher domain.RecordPublisher,
	m *metrics.IngestMetrics,
	logger *slog.Logger,
	cfg IngestConfig,
) *IngestFilesUseCase {
	return &IngestFilesUseCase{
		records:   records,
		markers:   markers,
		selector:  selector,
		parser:    p,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "ingest"),
		cfg:       cfg,
		openFile:  func(name string) (io.ReadCloser, error) { return os.Open(name) },
	}
}

// Run processes the candidate files oldest first. A file that ends without a
// marker (failed batch write, stat or marker append) ends the run: the newer
// files are deferred to the next run untouched, so the high-water mark
// cannot move past an unprocessed file and nothing is inserted twice.
func (uc *IngestFilesUseCase) Run(ctx context.Context) (summary domain.RunSummary) {
	summary = domain.RunSummary{
		RunID:     uuid.NewString(),
		Hostname:  uc.cfg.Hostname,
		StartedAt: time.Now().UTC(),
	}
	logger := uc.logger.With("run_id", summary.RunID)

	ctx, span := tracer.Start(ctx, "IngestFiles.Run", trace.WithAttributes(
		attribute.String("run_id", summary.RunID),
		attribute.String("hostname", uc.cfg.Hostname),
	))
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		span.SetAttributes(attribute.Int("files", len(summary.Files)))
		if summary.Failed() {
			span.SetStatus(codes.Error, "not every file was marked")
		}
		span.End()
		uc.finish(summary)
	}()

	lookupCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	marker, err := uc.markers.LatestMarker(lookupCtx, uc.cfg.Hostname)
	cancel()
	if err != nil {
		logger.Error("failed to load last file marker", "hostname", uc.cfg.Hostname, "error", err)
		summary.Error = err.Error()
		return summary
	}

	candidates, err := uc.selector.Select(ctx, uc.cfg.LogDir, marker)
	if err != nil {
		logger.Error("failed to select log files", "dir", uc.cfg.LogDir, "error", err)
		summary.Error = err.Error()
		return summary
	}
	if len(candidates) == 0 {
		logger.Debug("no new log files", "dir", uc.cfg.LogDir)
		return summary
	}

	for i, c := range candidates {
		res := uc.processFile(ctx, logger.With("file", c.Name), c)
		summary.Files = append(summary.Files, res)
		if res.Marked {
			continue
		}
		// A marker for a newer file would move the cursor past this one.
		for _, next := range candidates[i+1:] {
			logger.Warn("defer log file to the next run, an older file has no marker",
				"file", next.Name, "unmarked", c.Name)
			summary.Files = append(summary.Files, domain.FileResult{
				Filename: next.Name,
				Error:    "deferred: " + c.Name + " has no marker",
			})
			uc.countFile("deferred")
		}
		break
	}
	return summary
}

// LastSummary returns the summary of the most recent finished run.
func (uc *IngestFilesUseCase) LastSummary() (domain.RunSummary, bool) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	if uc.last == nil {
		return domain.RunSummary{}, false
	}
	return *uc.last, true
}

func (uc *IngestFilesUseCase) finish(summary domain.RunSummary) {
	uc.mu.Lock()
	uc.last = &summary
	uc.mu.Unlock()

	if uc.metrics == nil {
		return
	}
	uc.metrics.RunDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	if summary.Failed() {
		uc.metrics.RunsTotal.WithLabelValues("failed").Inc()
		return
	}
	uc.metrics.RunsTotal.WithLabelValues("ok").Inc()
	uc.metrics.LastSuccess.SetToCurrentTime()
}

func (uc *IngestFilesUseCase) processFile(ctx context.Context, logger *slog.Logger, c Candidate) (res domain.FileResult) {
	res = domain.FileResult{Filename: c.Name}
	ctx, span := tracer.Start(ctx, "IngestFiles.processFile", trace.WithAttributes(attribute.String("file", c.Name)))
	defer func() {
		span.SetAttributes(
			attribute.Int("lines", res.Lines),
			attribute.Int("inserted", res.Inserted),
			attribute.Bool("marked", res.Marked),
		)
		if res.Error != "" {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}()
	logger.Info("process log file", "path", c.Path, "size", humanize.IBytes(uint64(c.Size)))

	// An unreadable file is still marked, with no records, so it cannot
	// hold back the files rotated after it.
	status := "marked"
	var records []domain.LogRecord
	f, err := uc.openFile(c.Path)
	if err != nil {
		logger.Error("failed to open log file, marking it without records", "error", err)
		res.Error = err.Error()
		status = "open_error"
	} else {
		var readErr error
		records, readErr = uc.readRecords(logger, f, &res)
		f.Close()
		if readErr != nil {
			logger.Error("failed to read log file, keeping records parsed so far", "line", res.Lines, "error", readErr)
			res.Error = readErr.Error()
		}
		logger.Info("parsed log records", "count", len(records))
	}

	if len(records) > 0 {
		writeCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
		start := time.Now()
		inserted, err := uc.records.WriteRecordBatch(writeCtx, records)
		cancel()
		res.WriteDuration = time.Since(start)
		if uc.metrics != nil {
			uc.metrics.BatchWriteDuration.Observe(res.WriteDuration.Seconds())
		}
		if err != nil {
			logger.Error("failed to save log records, file stays eligible for the next run", "count", len(records), "error", err)
			res.Error = fmt.Sprintf("writing records: %v", err)
			uc.countFile("write_error")
			uc.logCounters(logger, res)
			return res
		}
		res.Inserted = inserted
		if uc.metrics != nil {
			uc.metrics.RecordsInserted.Add(float64(inserted))
		}
		logger.Info("saved documents to database", "inserted", inserted, "duration_seconds", res.WriteDuration.Seconds())
		uc.publish(ctx, logger, records)
	}

	uc.logCounters(logger, res)

	info, err := os.Stat(c.Path)
	if err != nil {
		logger.Error("failed to read file attributes, marker skipped", "error", err)
		res.Error = err.Error()
		uc.countFile("stat_error")
		return res
	}

	marker := domain.FileMarker{
		Hostname:         uc.cfg.Hostname,
		Filename:         c.Name,
		LastModifiedTime: domain.MarkerTime(info.ModTime()),
		LineCount:        len(records),
	}
	markCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	err = uc.markers.AppendMarker(markCtx, marker)
	cancel()
	if err != nil {
		logger.Error("failed to save file marker", "error", err)
		res.Error = fmt.Sprintf("writing marker: %v", err)
		uc.countFile("marker_error")
		return res
	}

	res.Marked = true
	uc.countFile(status)
	return res
}

// readRecords parses r line by line. It returns the records parsed before a
// read error together with that error.
func (uc *IngestFilesUseCase) readRecords(logger *slog.Logger, r io.Reader, res *domain.FileResult) ([]domain.LogRecord, error) {
	br := bufio.NewReaderSize(r, readBufferSize)
	var records []domain.LogRecord
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			res.Lines++
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

			rec, ok := uc.parser.Parse(line)
			switch {
			case !ok:
				res.Malformed++
				logger.Warn("no pattern matching for line", "line_number", res.Lines, "line", line)
			case uc.cfg.SkipDebug && rec.Level == domain.LevelDebug:
				res.SkippedDebug++
			default:
				rec.Hostname = uc.cfg.Hostname
				records = append(records, rec)
				res.Matched++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, err
		}
	}
}

func (uc *IngestFilesUseCase) publish(ctx context.Context, logger *slog.Logger, records []domain.LogRecord) {
	if uc.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, uc.cfg.StoreTimeout)
	defer cancel()
	if err := uc.publisher.Publish(pubCtx, records); err != nil {
		logger.Warn("failed to publish records", "count", len(records), "error", err)
		if uc.metrics != nil {
			uc.metrics.PublishErrors.Inc()
		}
	}
}

func (uc *IngestFilesUseCase) logCounters(logger *slog.Logger, res domain.FileResult) {
	logger.Info("file counters",
		"lines", res.Lines,
		"matches", res.Matched,
		"skipped_debug", res.SkippedDebug,
		"malformed", res.Malformed,
	)
	if uc.metrics == nil {
		return
	}
	uc.metrics.LinesTotal.WithLabelValues("matched").Add(float64(res.Matched))
	uc.metrics.LinesTotal.WithLabelValues("skipped_debug").Add(float64(res.SkippedDebug))
	uc.metrics.LinesTotal.WithLabelValues("malformed").Add(float64(res.Malformed))
}

func (uc *IngestFilesUseCase) countFile(status string) {
	if uc.metrics != nil {
		uc.metrics.FilesTotal.WithLabelValues(status).Inc()
	}
}
