package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtrntr/ticketmatch/internal/activity"
	"github.com/xtrntr/ticketmatch/internal/api"
	"github.com/xtrntr/ticketmatch/internal/auth"
	"github.com/xtrntr/ticketmatch/internal/config"
	"github.com/xtrntr/ticketmatch/internal/db"
	"github.com/xtrntr/ticketmatch/internal/metrics"
	"github.com/xtrntr/ticketmatch/internal/settlement"
	"github.com/xtrntr/ticketmatch/migrations"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address, overrides server.port")
	skipMigrations := pflag.Bool("skip-migrations", false, "do not apply schema migrations on start")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Port = *addr
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, !*skipMigrations); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

// run wires the service and blocks until SIGINT/SIGTERM
func run(cfg *config.Config, logger *logrus.Logger, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(context.Background())

	if migrate {
		if err := migrations.Apply(ctx, database.Pool); err != nil {
			return err
		}
	}

	openingBalance, err := cfg.OpeningBalance()
	if err != nil {
		return err
	}

	var recorder activity.Recorder = activity.Nop{}
	if cfg.Redis.URL != "" {
		client := activity.NewRedisClient(cfg.Redis.URL)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("activity stream unreachable, events will be dropped until it recovers")
		}
		recorder = activity.NewStream(client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen)
	}

	monitor := metrics.NewMonitor()

	engine := settlement.NewEngine(database, logger, settlement.Options{
		AutoSelectLimit: cfg.Trading.AutoSelectLimit,
		Activity:        recorder,
		Monitor:         monitor,
	})

	if drift, err := engine.AuditLedger(ctx); err != nil {
		logger.WithError(err).Warn("ledger audit failed")
	} else if len(drift) > 0 {
		logger.WithField("users", drift).Error("balances out of line with the ledger at startup")
	}

	authService := auth.NewAuthService(database, auth.Config{
		Secret:         cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL,
		OpeningBalance: openingBalance,
	}, logger)

	handler := api.NewHandler(engine, authService, database, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.Origins,
		Metrics:        monitor.Handler(),
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":        srv.Addr,
			"environment": cfg.Environment,
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
