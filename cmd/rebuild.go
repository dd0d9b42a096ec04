package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/rollup"
)

var (
	rbFrom string
	rbTo   string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-summarize a range of days from the archive",
	Long: `rebuild rebuilds the daily summary rows for every local day from --from
through --to inclusive, replacing existing rows. Use it after importing or
correcting archive records for days that were already summarized.`,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rbFrom, "from", "", "first day (YYYY-MM-DD)")
	rebuildCmd.Flags().StringVar(&rbTo, "to", "", "last day (YYYY-MM-DD, default: yesterday)")
	_ = rebuildCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc := cfg.Loc()

	from, err := localday.ParseDate(rbFrom, loc)
	if err != nil {
		return fmt.Errorf("invalid --from date: %w", err)
	}

	to := localday.Prev(time.Now(), loc)
	if rbTo != "" {
		to, err = localday.ParseDate(rbTo, loc)
		if err != nil {
			return fmt.Errorf("invalid --to date: %w", err)
		}
	}

	if to.Before(from) {
		return fmt.Errorf("--from date must not be after --to date")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := rollup.New(s, rollup.Options{
		Location:    loc,
		BucketWidth: cfg.Wind.BucketWidth,
		Workers:     cfg.Sync.Workers,
		LockTTL:     cfg.Sync.LockTTL,
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}
	defer engine.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	slog.Info("rebuilding summaries",
		"from", localday.Format(from, loc),
		"to", localday.Format(to, loc),
	)

	rep, err := engine.Rebuild(ctx, from, to)
	fmt.Fprintf(cmd.OutOrStdout(), "%d days scanned, %d written, %d empty, %d failed (%d records, %s)\n",
		rep.DaysScanned, rep.RowsWritten, rep.DaysEmpty, rep.DaysFailed,
		rep.RecordsProcessed, rep.Duration.Round(time.Millisecond))
	return err
}
