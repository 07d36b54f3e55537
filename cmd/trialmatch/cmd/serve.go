package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/cache"
	"github.com/trialmatch/trialmatch/internal/core/config"
	"github.com/trialmatch/trialmatch/internal/core/db"
	"github.com/trialmatch/trialmatch/internal/core/logging"
	"github.com/trialmatch/trialmatch/internal/core/server"
	"github.com/trialmatch/trialmatch/internal/orchestrator"
	"github.com/trialmatch/trialmatch/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP matching service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	serveCmd.Flags().Int("port", 8004, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", 0, "gRPC health server port (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.Server.GRPCPort, _ = cmd.Flags().GetInt("grpc-port")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logLevel, logFormat, "trialmatch")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	criteria, closer, err := buildCriteriaSource(ctx, cfg.Criteria, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	phenotype := upstream.NewPhenotypeClient(cfg.Phenotype, logger)

	// store and refresher stay untyped nil when the cache is disabled.
	var (
		patientCache *cache.PatientCache
		store        orchestrator.PatientStore
		refresher    server.Refresher
	)
	if cfg.Cache.Enabled {
		patientCache = cache.New(phenotype, cache.Config{
			PageSize:   cfg.Phenotype.PageSize,
			BatchSize:  cfg.Cache.BatchSize,
			Attempts:   cfg.Cache.LoadAttempts,
			RetryDelay: cfg.Cache.RetryDelay,
		}, logger.Named("cache"))
		store, refresher = patientCache, patientCache
	}

	orch := orchestrator.New(criteria, phenotype, store, orchestrator.Config{
		FetchConcurrency: cfg.Cache.BatchSize,
	}, logger.Named("orchestrator"))

	httpServer, err := server.NewHTTPServer(cfg, orch, refresher, Version, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var healthServer *server.HealthServer
	if cfg.Server.GRPCPort > 0 {
		healthServer, err = server.NewHealthServer(cfg.Server.Host, cfg.Server.GRPCPort, logger.Named("grpc"))
		if err != nil {
			return fmt.Errorf("failed to create grpc health server: %w", err)
		}
		if patientCache != nil {
			patientCache.Subscribe(healthServer.SetReady)
		} else {
			healthServer.SetReady(true)
		}
	}

	logger.Info("starting trialmatch",
		zap.String("version", Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
	)

	errChan := make(chan error, 2)
	go func() {
		errChan <- httpServer.Start(ctx)
	}()
	if healthServer != nil {
		go func() {
			errChan <- healthServer.Start(ctx)
		}()
	}

	if patientCache != nil {
		go func() {
			cache.WaitForSource(ctx, phenotype, cfg.Phenotype.InitTimeout, cfg.Phenotype.InitInterval, logger)
			if err := patientCache.LoadWithRetry(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("initial patient cache load failed, serving degraded", zap.Error(err))
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errChan:
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("grpc shutdown", zap.Error(err))
		}
	}
	return runErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildCriteriaSource selects the rule set backend: the parsed_criteria table
// when a database URL is configured, otherwise the criteria service API, in
// either case behind a redis cache when a redis URL is configured.
func buildCriteriaSource(ctx context.Context, cfg config.CriteriaConfig, logger *zap.Logger) (orchestrator.CriteriaSource, io.Closer, error) {
	var (
		source  upstream.CriteriaSource
		closers []io.Closer
	)

	if cfg.DBURL != "" {
		database, err := db.Open(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open criteria database: %w", err)
		}
		closers = append(closers, database)

		queries, err := db.LoadQueries(database)
		if err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to load queries: %w", err)
		}
		source = upstream.NewSQLCriteriaSource(queries, logger.Named("criteria-sql"))
		logger.Info("reading criteria from database")
	} else {
		source = upstream.NewCriteriaClient(cfg, logger.Named("criteria"))
	}

	if cfg.RedisURL != "" {
		rdb, err := upstream.NewRedisClient(cfg.RedisURL)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, err
		}
		closers = append(closers, rdb)
		source = upstream.NewCachedCriteriaSource(source, rdb, cfg.CacheTTL, logger.Named("criteria-cache"))
		logger.Info("caching criteria in redis", zap.Duration("ttl", cfg.CacheTTL))
	}

	closeAll := closerFunc(func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	})
	return source, closeAll, nil
}
