package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/V4T54L/chialog/internal/adapter/repository"
	"github.com/V4T54L/chialog/internal/parser"
	"github.com/V4T54L/chialog/internal/scheduler"
	"github.com/V4T54L/chialog/internal/usecase"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate the configuration without touching the store",
		Long: `Validate the configuration without connecting to the store.

Checks:
  - TOML syntax and environment overrides
  - Store connection scheme
  - Line pattern and timestamp layout
  - Schedule expression
  - Log directory and matching files (warning only)`,
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		if err := cmd.Flags().Set(ConfigFlag, args[0]); err != nil {
			return err
		}
	}
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	backend, err := repository.BackendFor(cfg.Store.Connection)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if _, err := parser.New(cfg.Grammar()); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	sched, err := scheduler.Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(out, "Configuration valid!\n")
	fmt.Fprintf(out, "  Hostname:    %s\n", cfg.Hostname)
	fmt.Fprintf(out, "  Store:       %s\n", backend)
	if cfg.CappedLogCollectionSize > 0 {
		fmt.Fprintf(out, "  Size bound:  %s\n", humanize.IBytes(uint64(cfg.CappedSizeBytes())))
	} else {
		fmt.Fprintf(out, "  Size bound:  none\n")
	}
	fmt.Fprintf(out, "  Skip DEBUG:  %t\n", cfg.SkipDebug)
	fmt.Fprintf(out, "  Schedule:    %s (next %s)\n", sched, sched.Next(time.Now(), time.Time{}).Format(time.RFC3339))
	if cfg.Redis.Addr != "" {
		fmt.Fprintf(out, "  Publish to:  %s stream %q\n", cfg.Redis.Addr, cfg.Redis.Stream)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		fmt.Fprintf(out, "  Publish to:  kafka %s topic %q\n", strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
	}

	fmt.Fprintf(out, "\nLog directory: %s\n", cfg.LogDir)
	selector := usecase.NewFileSelector(cfg.FilePrefix, slog.New(slog.NewTextHandler(io.Discard, nil)))
	files, err := selector.Select(cmd.Context(), cfg.LogDir, nil)
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(out, "Warning: log directory does not exist\n")
	case err != nil:
		fmt.Fprintf(out, "Warning: cannot list log directory: %v\n", err)
	case len(files) == 0:
		fmt.Fprintf(out, "Warning: no files match %s*\n", cfg.FilePrefix)
	default:
		fmt.Fprintf(out, "Files matching %s*: %d\n", cfg.FilePrefix, len(files))
		for _, f := range files {
			fmt.Fprintf(out, "  - %s (%s, modified %s)\n", f.Name, humanize.IBytes(uint64(f.Size)), f.ModTime.Format(time.RFC3339))
		}
	}
	return nil
}
