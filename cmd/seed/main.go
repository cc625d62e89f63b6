package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dockerdetective/dockerdetective/internal/config"
	"github.com/dockerdetective/dockerdetective/internal/database"
	"github.com/dockerdetective/dockerdetective/internal/seed"
)

func main() {
	// Initialize logger
	logger := initLogger()
	logger.Info("Starting Docker Detective seed copy")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Seed.SourceDSN == "" {
		logger.Fatal("Seed source DSN is not configured (DD_SEED_SOURCE_DSN)")
	}

	// Initialize target database and schema
	db, err := initDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize target database")
	}
	defer db.Close()

	// Connect to the source catalog
	source, err := gorm.Open(postgres.Open(cfg.Seed.SourceDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to source database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	copier := seed.NewCopier(source, db.DB(), cfg.Seed.BatchSize, logger)
	copied, err := copier.Copy(ctx)
	if err != nil {
		logger.WithError(err).WithField("copied", copied).Fatal("Seed copy failed")
	}

	logger.WithField("copied", copied).Info("Seed copy complete")
}

// initLogger initializes and configures the logger
func initLogger() *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

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

// initDatabase initializes the target database and runs migrations
func initDatabase(cfg *config.Config, logger *logrus.Logger) (database.Database, error) {
	db, err := database.InitDatabase(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

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
