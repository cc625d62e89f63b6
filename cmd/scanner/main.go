package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dockerdetective/dockerdetective/internal/config"
	"github.com/dockerdetective/dockerdetective/internal/database"
	"github.com/dockerdetective/dockerdetective/internal/database/repositories"
	"github.com/dockerdetective/dockerdetective/internal/docker"
	"github.com/dockerdetective/dockerdetective/internal/docker/image"
	"github.com/dockerdetective/dockerdetective/internal/pipeline"
	"github.com/dockerdetective/dockerdetective/internal/scanner"
)

// Version information (will be set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	fmt.Printf("Docker Detective scanner %s (%s) built on %s\n", Version, Commit, BuildDate)

	// Initialize logger
	logger := initLogger()
	logger.WithFields(logrus.Fields{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
	}).Info("Starting Docker Detective scanner")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize database
	db, err := initDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	// Initialize Docker client
	dockerManager, err := initDockerClient(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Docker client")
	}
	defer dockerManager.Close()

	// Cancel the run on SIGINT/SIGTERM so in-flight images finish their
	// current stage and the pool drains cleanly
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize scanner
	grype, err := initScanner(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize scanner")
	}

	// Assemble the pipeline
	images := repositories.NewGormImageRepository(db.DB())
	results := repositories.NewGormResultRepository(db.DB())
	puller := image.NewPuller(dockerManager, cfg.Docker.PullTimeout, logger)
	remover := image.NewRemover(dockerManager, logger)

	executor := pipeline.NewExecutor(images, puller, grype, remover, results, logger)
	pool := pipeline.NewPool(executor, cfg.Workers.Count, logger)

	processed, err := pool.Run(ctx)
	if err != nil {
		logger.WithError(err).WithField("processed", processed).Fatal("Scan run aborted")
	}

	logger.WithField("processed", processed).Info("Scan run complete")
}

// initLogger initializes and configures the logger
func initLogger() *logrus.Logger {
	logger := logrus.New()

	// Configure logger
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableSorting:  false,
	})

	// Set log level based on environment
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel != "" {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logger.WithError(err).Warn("Invalid log level, defaulting to info")
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return logger
}

// initDatabase initializes and configures the database
func initDatabase(cfg *config.Config, logger *logrus.Logger) (database.Database, error) {
	logger.WithFields(logrus.Fields{
		"type": cfg.Database.Type,
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
		"name": cfg.Database.Name,
	}).Info("Initializing database connection")

	db, err := database.InitDatabase(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations using the Migrator
	logger.Info("Running database migrations")
	migrator, err := database.NewMigrator(db.DB(), database.DefaultMigrateOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	migrator.RegisterAllMigrations()
	if err := migrator.MigrateUp(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return db, nil
}

// initDockerClient initializes and configures the Docker client manager
func initDockerClient(cfg *config.Config, logger *logrus.Logger) (docker.Manager, error) {
	logger.WithFields(logrus.Fields{
		"host": cfg.Docker.Host,
	}).Info("Initializing Docker client manager")

	opts := []docker.ClientOption{
		docker.WithLogger(logger),
	}

	// Only set host if explicitly provided in config
	if cfg.Docker.Host != "" {
		opts = append(opts, docker.WithHost(cfg.Docker.Host))
	}
	if cfg.Docker.APIVersion != "" {
		opts = append(opts, docker.WithAPIVersion(cfg.Docker.APIVersion))
	}

	manager, err := docker.NewManager(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client manager: %w", err)
	}

	// Test Docker connection
	if err := manager.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping Docker daemon: %w", err)
	}

	return manager, nil
}

// initScanner initializes the vulnerability scanner
func initScanner(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*scanner.Grype, error) {
	grype := scanner.NewGrype(scanner.Options{
		Binary:          cfg.Scanner.Binary,
		Timeout:         cfg.Scanner.Timeout,
		DBUpdateTimeout: cfg.Scanner.DBUpdateTimeout,
		Logger:          logger,
	})

	if !grype.IsAvailable() {
		return nil, fmt.Errorf("scanner binary %q not found in PATH", cfg.Scanner.Binary)
	}

	if cfg.Scanner.UpdateDB {
		if err := grype.UpdateDB(ctx); err != nil {
			return nil, err
		}
	}

	return grype, nil
}
