package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/core/config"
	"github.com/solatis/routekeeper/internal/core/reload"
	"github.com/solatis/routekeeper/internal/core/server"
	"github.com/solatis/routekeeper/internal/logging"
	"github.com/solatis/routekeeper/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP routing host",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	serveCmd.Flags().Int("port", 8080, "HTTP listen port")
	serveCmd.Flags().String("upstream", "", "upstream URL for requests no action answers")
	serveCmd.Flags().Bool("watch", false, "reload the rule file when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.Component("serve")

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("upstream") {
		cfg.Server.Upstream, _ = cmd.Flags().GetString("upstream")
	}
	if cmd.Flags().Changed("watch") {
		cfg.Rules.Watch, _ = cmd.Flags().GetBool("watch")
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	holder, closeSource, err := loadHolder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	httpServer, err := server.NewHTTPServer(cfg.Server, holder, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errChan := make(chan error, 3)
	go func() {
		errChan <- httpServer.Start()
	}()

	var admin *server.AdminServer
	if cfg.Admin.GRPCPort > 0 {
		admin, err = server.NewAdminServer(cfg.Server.Host, cfg.Admin.GRPCPort, holder)
		if err != nil {
			return fmt.Errorf("failed to create admin server: %w", err)
		}
		go func() {
			errChan <- admin.Start()
		}()
	}

	var metricsServer *http.Server
	if cfg.Admin.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.Admin.MetricsAddr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	if cfg.Rules.Watch {
		go func() {
			err := reload.Watch(ctx, cfg.Rules.File, reload.DefaultDebounce, log.Logger, func() error {
				err := holder.Load(ctx)
				if admin != nil {
					admin.UpdateHealth()
				}
				return err
			})
			if err != nil {
				logger.Error().Err(err).Msg("Rule file watcher exited")
			}
		}()
	}

	logger.Info().
		Str("version", Version).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Int("rules", holder.Engine().Len()).
		Msg("Starting RouteKeeper")

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, httpServer.Shutdown(shutdownCtx))
	if admin != nil {
		errs = append(errs, admin.Shutdown(shutdownCtx))
	}
	if metricsServer != nil {
		errs = append(errs, metricsServer.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}
