package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	redisrepo "github.com/V4T54L/chialog/internal/adapter/repository/redis"
	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/parser"
	"github.com/V4T54L/chialog/internal/pkg/logger"
	"github.com/V4T54L/chialog/internal/usecase"
)

const (
	tailClaimBatch   = 100
	tailErrorBackoff = time.Second
)

type tailOptions struct {
	group     string
	consumer  string
	host      string
	level     string
	claimIdle time.Duration
}

// NewTailCommand creates the tail command.
func NewTailCommand() *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow records published to the Redis stream",
		Long: `Follow records that "run" published to the Redis stream and print them
as log lines. Readers sharing a --group split the stream between them.
Entries left pending by a dead reader for longer than --claim-idle are
taken over at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.group, "group", "chialog-tail", "consumer group name")
	cmd.Flags().StringVar(&opts.consumer, "consumer", defaultConsumerName(), "consumer name within the group")
	cmd.Flags().StringVar(&opts.host, "host", "", "only print records of this hostname")
	cmd.Flags().StringVar(&opts.level, "level", "", "only print records at or above this level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	cmd.Flags().DurationVar(&opts.claimIdle, "claim-idle", time.Minute, "claim entries pending longer than this (0 disables)")
	return cmd
}

func defaultConsumerName() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "chialog"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// lineSink prints records in the debug.log layout, prefixed by hostname.
type lineSink struct {
	w io.Writer
}

func (s lineSink) Emit(records []domain.LogRecord) error {
	for _, rec := range records {
		if _, err := fmt.Fprintf(s.w, "%s | %s\n", rec.Hostname, parser.Format(rec)); err != nil {
			return err
		}
	}
	return nil
}

func runTail(cmd *cobra.Command, opts *tailOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return errors.New("redis.addr is not configured")
	}
	filter := usecase.RecordFilter{Hostname: opts.host}
	if opts.level != "" {
		lvl, err := domain.ParseLevel(strings.ToUpper(opts.level))
		if err != nil {
			return err
		}
		filter.MinLevel = lvl
	}

	// stdout carries the records.
	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newRedisClient(cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	stream := redisrepo.NewRecordStream(ctx, client, cfg.Redis.Stream, nil, nil, log)
	if !stream.Available() {
		return fmt.Errorf("redis at %s is unreachable", cfg.Redis.Addr)
	}
	if err := stream.EnsureGroup(ctx, opts.group, "$"); err != nil {
		return err
	}

	uc := usecase.NewTailRecordsUseCase(stream, lineSink{w: cmd.OutOrStdout()}, filter, log, opts.group, opts.consumer, 0, 0)
	return followStream(ctx, stream, uc, opts, log)
}

func followStream(ctx context.Context, stream *redisrepo.RecordStream, uc *usecase.TailRecordsUseCase, opts *tailOptions, log *slog.Logger) error {
	if opts.claimIdle > 0 {
		claimed, err := stream.ClaimStale(ctx, opts.group, opts.consumer, opts.claimIdle, tailClaimBatch)
		if err != nil {
			log.Warn("failed to claim stale entries", "error", err)
		} else if _, err := uc.Handle(ctx, claimed); err != nil {
			log.Warn("failed to handle claimed entries", "error", err)
		}
	}

	for ctx.Err() == nil {
		if _, err := uc.ProcessBatch(ctx); err != nil {
			select {
			case <-time.After(tailErrorBackoff):
			case <-ctx.Done():
			}
		}
	}
	return nil
}
