package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/noaad/internal/api"
	"github.com/chadmayfield/noaad/internal/collector"
	"github.com/chadmayfield/noaad/internal/localday"
	"github.com/chadmayfield/noaad/internal/rollup"
	"github.com/chadmayfield/noaad/internal/stats"
)

var (
	listenAddr    string
	storageDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the noaad daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}

	storagePath := cfg.DSN()
	if cfg.Storage.Driver == "postgres" {
		storagePath = redactDSN(storagePath)
	}
	slog.Info("starting noaad",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"storage_path", storagePath,
		"location", cfg.Loc().String(),
	)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	slog.Info("database ready", "driver", s.Driver())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := rollup.New(s, rollup.Options{
		Location:       cfg.Loc(),
		BucketWidth:    cfg.Wind.BucketWidth,
		Workers:        cfg.Sync.Workers,
		LockTTL:        cfg.Sync.LockTTL,
		BackfillOnInit: cfg.Sync.BackfillOnInit,
		Logger:         slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}

	tracker, err := stats.NewTracker(cfg.Loc(), cfg.Wind.BucketWidth)
	if err != nil {
		return err
	}
	coll := collector.NewCollector(s, tracker, slog.Default())
	now := time.Now()
	if _, err := coll.Warm(ctx, s, localday.YearStart(now, cfg.Loc()), now.Add(time.Minute)); err != nil {
		slog.Error("failed to warm live frames", "error", err)
	}

	runner := rollup.NewRunner(engine, cfg.Sync.Interval, slog.Default())
	coll.SetNotifier(runner.Notify)

	srv := api.NewServer(engine, s, coll, runner.Notify, slog.Default())
	srv.SetVersion(Version)

	slog.Info("noaad ready", "addr", cfg.ListenAddr)

	// Start the sync runner and the server using errgroup.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	// Catch up once at startup instead of waiting for the first tick.
	runner.Notify()

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("noaad exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("failed to release writer lock", "error", err)
	}
	_ = s.Close()

	slog.Info("noaad shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
