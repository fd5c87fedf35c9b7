package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/V4T54L/chialog/internal/adapter/repository"
	redisrepo "github.com/V4T54L/chialog/internal/adapter/repository/redis"
	"github.com/V4T54L/chialog/internal/domain"
	"github.com/V4T54L/chialog/internal/pkg/config"
)

type statusOptions struct {
	limit  int
	asJSON bool
}

type statusReport struct {
	Hostname string                     `json:"hostname"`
	Markers  []domain.FileMarker        `json:"markers"`
	Groups   []domain.ConsumerGroupInfo `json:"stream_groups,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the newest file markers of this host",
		Long: `Show the newest file markers stored for the configured hostname. The
newest marker is the cursor of the next ingestion run: only files modified
after it are read. When a Redis stream is configured its consumer groups
are listed too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "number of markers to show")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", opts.limit)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StoreTimeout.Duration)
	defer cancel()

	store, err := repository.Open(ctx, repository.Options{
		Connection:  cfg.Store.Connection,
		Database:    cfg.Store.Database,
		CappedBytes: cfg.CappedSizeBytes(),
	}, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close(context.Background())

	markers, err := store.RecentMarkers(ctx, cfg.Hostname, opts.limit)
	if err != nil {
		return fmt.Errorf("reading markers: %w", err)
	}
	report := statusReport{Hostname: cfg.Hostname, Markers: markers}
	if report.Markers == nil {
		report.Markers = []domain.FileMarker{}
	}

	var groupsErr error
	if cfg.Redis.Addr != "" {
		report.Groups, groupsErr = streamGroups(ctx, cfg, log)
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(out, report, time.Now())
	if groupsErr != nil {
		fmt.Fprintf(out, "\nWarning: could not read stream groups: %v\n", groupsErr)
	}
	return nil
}

func streamGroups(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]domain.ConsumerGroupInfo, error) {
	client, err := newRedisClient(cfg.Redis.Addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return redisrepo.NewRecordStream(ctx, client, cfg.Redis.Stream, nil, nil, log).Groups(ctx)
}

func printStatus(w io.Writer, r statusReport, now time.Time) {
	fmt.Fprintf(w, "Host: %s\n\n", r.Hostname)
	if len(r.Markers) == 0 {
		fmt.Fprintln(w, "No files ingested yet.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tMODIFIED\tAGE\tLINES")
		for _, m := range r.Markers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				m.Filename,
				m.LastModifiedTime.Format("2006-01-02T15:04:05.000Z07:00"),
				humanize.RelTime(m.LastModifiedTime, now, "ago", "from now"),
				humanize.Comma(int64(m.LineCount)),
			)
		}
		tw.Flush()
	}

	if len(r.Groups) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "GROUP\tCONSUMERS\tPENDING\tLAST DELIVERED")
		for _, g := range r.Groups {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", g.Name, g.Consumers, g.Pending, g.LastDeliveredID)
		}
		tw.Flush()
	}
}
