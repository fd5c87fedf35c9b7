package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/V4T54L/chialog/internal/adapter/metrics"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

// Runner fires a Job on a Timetable. At most one Job runs at a time: a tick
// that fires while the previous run is in flight is skipped and counted.
type Runner struct {
	timetable Timetable
	job       Job
	metrics   *metrics.IngestMetrics // optional
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner. m may be nil.
func NewRunner(tt Timetable, job Job, m *metrics.IngestMetrics, logger *slog.Logger) *Runner {
	return &Runner{
		timetable: tt,
		job:       job,
		metrics:   m,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
	}
}

// Run blocks until ctx is done. On shutdown it waits for the in-flight run,
// which keeps running with ctx's values but without its cancellation.
func (r *Runner) Run(ctx context.Context) {
	var (
		inflight <-chan struct{}
		prev     time.Time
	)
	timer := time.NewTimer(r.delay(prev))
	defer timer.Stop()
	r.logger.Info("scheduler started", "next_run", r.now().Add(r.delay(prev)).Format(time.RFC3339))

	for {
		select {
		case <-ctx.Done():
			if inflight != nil {
				r.logger.Info("waiting for in-flight run to finish")
				<-inflight
			}
			r.logger.Info("scheduler stopped")
			return

		case <-inflight:
			inflight = nil
			prev = r.now()
			if !r.timetable.IsAbsolute() {
				timer.Reset(r.delay(prev))
			}

		case <-timer.C:
			if inflight != nil {
				r.logger.Warn("previous run still in progress, skipping tick")
				if r.metrics != nil {
					r.metrics.SkippedTicks.Inc()
				}
			} else {
				inflight = r.start(ctx)
			}
			if r.timetable.IsAbsolute() {
				timer.Reset(r.delay(prev))
			}
		}
	}
}

func (r *Runner) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.job(context.WithoutCancel(ctx))
	}()
	return done
}

func (r *Runner) delay(prev time.Time) time.Duration {
	now := r.now()
	d := r.timetable.Next(now, prev).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
