package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/chialog/internal/adapter/api"
	"github.com/V4T54L/chialog/internal/adapter/api/handler"
	"github.com/V4T54L/chialog/internal/adapter/metrics"
	"github.com/V4T54L/chialog/internal/adapter/repository"
	kafkarepo "github.com/V4T54L/chialog/internal/adapter/repository/kafka"
	redisrepo "github.com/V4T54L/chialog/internal/adapter/repository/redis"
	"github.com/V4T54L/chialog/internal/adapter/repository/wal"
	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/parser"
	"github.com/V4T54L/chialog/internal/pkg/config"
	"github.com/V4T54L/chialog/internal/pkg/logger"
	"github.com/V4T54L/chialog/internal/scheduler"
	"github.com/V4T54L/chialog/internal/usecase"
)

const (
	healthCheckInterval = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

var errRunFailed = errors.New("ingestion run did not complete for every file")

// RunOptions holds the flags of the run command.
type RunOptions struct {
	Once bool
}

// AddRunFlags registers the run flags on fs. The root command shares them.
func AddRunFlags(fs *pflag.FlagSet, opts *RunOptions) {
	fs.BoolVar(&opts.Once, "once", false, "run a single ingestion pass and exit")
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest new log files on the configured schedule",
		Long: `Provision the store, then ingest new rotated log files on every tick of
the configured schedule until interrupted. A tick that fires while the
previous run is still in progress is skipped.

With --once a single pass runs and the exit code reports whether every
file was marked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunIngest(cmd, opts)
		},
	}
	AddRunFlags(cmd.Flags(), opts)
	return cmd
}

// RunIngest loads the config, builds the ingestion service and runs it.
func RunIngest(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewIngestMetrics(reg)

	svc, err := newIngestService(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer svc.close(log)

	if opts.Once {
		if svc.stream != nil && svc.stream.Available() {
			if err := svc.stream.ReplaySpool(ctx); err != nil {
				log.Warn("failed to replay spool", "error", err)
			}
		}
		if summary := svc.ingest.Run(ctx); summary.Failed() {
			return errRunFailed
		}
		return nil
	}
	return svc.serve(ctx, cfg, reg, log)
}

type ingestService struct {
	store   domain.Store
	ingest  *usecase.IngestFilesUseCase
	metrics *metrics.IngestMetrics

	redis  *redis.Client
	spool  *wal.Spool
	stream *redisrepo.RecordStream
	kafka  *kafkarepo.Publisher
}

func newIngestService(ctx context.Context, cfg *config.Config, m *metrics.IngestMetrics, log *slog.Logger) (*ingestService, error) {
	p, err := parser.New(cfg.Grammar())
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout.Duration)
	defer cancel()
	store, err := repository.Open(openCtx, repository.Options{
		Connection:  cfg.Store.Connection,
		Database:    cfg.Store.Database,
		CappedBytes: cfg.CappedSizeBytes(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := store.Provision(openCtx); err != nil {
		store.Close(context.Background())
		return nil, fmt.Errorf("provisioning store: %w", err)
	}

	svc := &ingestService{store: store, metrics: m}

	var publishers usecase.FanoutPublisher
	if cfg.Redis.Addr != "" {
		if err := svc.openStream(ctx, cfg, log); err != nil {
			svc.close(log)
			return nil, err
		}
		publishers = append(publishers, svc.stream)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		svc.kafka = kafkarepo.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		publishers = append(publishers, svc.kafka)
	}
	var publisher domain.RecordPublisher
	switch len(publishers) {
	case 0:
	case 1:
		publisher = publishers[0]
	default:
		publisher = publishers
	}

	svc.ingest = usecase.NewIngestFilesUseCase(
		store,
		store,
		usecase.NewFileSelector(cfg.FilePrefix, log),
		p,
		publisher,
		m,
		log,
		usecase.IngestConfig{
			Hostname:     cfg.Hostname,
			LogDir:       cfg.LogDir,
			SkipDebug:    cfg.SkipDebug,
			StoreTimeout: cfg.StoreTimeout.Duration,
		},
	)
	log.Info("ingester ready",
		"hostname", cfg.Hostname,
		"log_dir", cfg.LogDir,
		"file_prefix", cfg.FilePrefix,
		"skip_debug", cfg.SkipDebug,
		"publish_redis", cfg.Redis.Addr != "",
		"publish_kafka", len(cfg.Kafka.Brokers) > 0,
	)
	return svc, nil
}

func (s *ingestService) openStream(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	client, err := newRedisClient(cfg.Redis.Addr)
	if err != nil {
		return err
	}
	spool, err := wal.NewSpool(cfg.Redis.WALDir, cfg.Redis.WALSegmentSize, cfg.Redis.WALMaxDiskSize, log)
	if err != nil {
		client.Close()
		return fmt.Errorf("opening spool: %w", err)
	}
	s.redis = client
	s.spool = spool
	s.stream = redisrepo.NewRecordStream(ctx, client, cfg.Redis.Stream, spool, s.metrics, log)
	return nil
}

func (s *ingestService) serve(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, log *slog.Logger) error {
	sched, err := scheduler.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	runner := scheduler.NewRunner(sched, func(ctx context.Context) { s.ingest.Run(ctx) }, s.metrics, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	if s.stream != nil {
		g.Go(func() error {
			s.stream.StartHealthCheck(gctx, healthCheckInterval)
			return nil
		})
	}

	if cfg.Metrics.Addr != "" {
		status := handler.NewStatusHandler(s.ingest, s.store, cfg.Hostname, cfg.StoreTimeout.Duration, log)
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           api.NewAdminRouter(status, reg, log),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.StoreTimeout.Duration + 5*time.Second,
		}
		g.Go(func() error {
			log.Info("starting admin & metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("scheduler armed", "schedule", sched.String())
	return g.Wait()
}

func (s *ingestService) close(log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.store.Close(ctx); err != nil {
		log.Error("failed to close store", "error", err)
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			log.Error("failed to flush kafka publisher", "error", err)
		}
	}
	if s.spool != nil {
		s.spool.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	log.Info("shut down gracefully")
}
