package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/browsermux/browsermux/internal/browser"
	"github.com/browsermux/browsermux/internal/cache"
	"github.com/browsermux/browsermux/internal/observability"
	"github.com/browsermux/browsermux/internal/server"
)

// newServeCmd creates and configures the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the websocket gateway and browser pool",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags override
			// config file and environment values.
			if err := viper.BindPFlag("server.host", cmd.Flags().Lookup("host")); err != nil {
				return err
			}
			if err := viper.BindPFlag("server.port", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()
			defer observability.Sync()

			// Flags may have overridden the config read in PersistentPreRunE.
			cfg := appConfig
			cfg.Server.Host = viper.GetString("server.host")
			cfg.Server.Port = viper.GetInt("server.port")
			cfg.Browser.Headless = viper.GetBool("browser.headless")

			pool, err := browser.NewPool(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to start browser pool: %w", err)
			}

			resultCache, err := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL)
			if err != nil {
				return fmt.Errorf("failed to build result cache: %w", err)
			}

			manager := browser.NewManager(cfg.Session, logger, pool, resultCache)
			srv := server.New(cfg, logger, manager)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { manager.Reap(gctx); return nil })
			g.Go(func() error { pool.Maintain(gctx); return nil })

			logger.Info("browsermux is ready.",
				zap.String("addr", cfg.Server.Addr()),
				zap.Int("pool_warm_target", cfg.Pool.WarmTarget),
				zap.Bool("auth_enabled", cfg.Server.APIKey != ""))

			runErr := g.Wait()

			// Orderly teardown: sessions first, then the browser process.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
			defer cancel()
			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Session manager shutdown was cut short.", zap.Error(err))
			}
			if err := pool.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Browser pool shutdown was cut short.", zap.Error(err))
			}

			if runErr != nil && runErr != context.Canceled {
				return runErr
			}
			logger.Info("browsermux stopped.")
			return nil
		},
	}

	serveCmd.Flags().String("host", "", "interface to listen on")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	serveCmd.Flags().Bool("headless", true, "run the browser headless")
	return serveCmd
}
