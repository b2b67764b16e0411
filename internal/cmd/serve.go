package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftbox/driftbox/internal/config"
	"github.com/driftbox/driftbox/internal/metrics"
	"github.com/driftbox/driftbox/internal/observability"
	"github.com/driftbox/driftbox/internal/registry"
	"github.com/driftbox/driftbox/internal/server"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
	"github.com/driftbox/driftbox/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the driftbox API server: provider management, transfer sessions,
the websocket progress feed, and operational endpoints.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	masterKey, err := loadMasterKey(cfg.Vault)
	if err != nil {
		return err
	}
	codec, err := vault.New(masterKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	res := resolver.New(registry.Default(), codec, st, log)

	mgr, err := session.NewManager(session.Config{
		SpoolDir:         cfg.Transfer.SpoolDir,
		IdleTimeout:      cfg.Transfer.IdleTimeout,
		RelayBytesPerSec: cfg.Transfer.RelayBytesPerSec,
	}, st, res, session.NewBus(), log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Restore(ctx); err != nil {
		log.Warn("restore sessions", zap.Error(err))
	}

	deps := server.Deps{
		Log:      log,
		Store:    st,
		Resolver: res,
		Sessions: mgr,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		m := metrics.New()
		deps.Metrics = m
		g.Go(func() error {
			m.Observe(ctx, mgr.Bus())
			return nil
		})
	}

	g.Go(func() error {
		mgr.RunReaper(ctx)
		return nil
	})

	srv := server.New(cfg.Server, deps)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info("driftbox started",
		zap.String("version", server.Version),
		zap.String("database", cfg.Database.Path),
		zap.String("spool_dir", cfg.Transfer.SpoolDir))

	return g.Wait()
}
