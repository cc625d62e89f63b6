package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the scan fleet.
type Config struct {
	// Database configuration
	Database struct {
		Type     string `mapstructure:"type"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"` // Sensitive
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"ssl_mode"`
		SQLite   struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		// Connection Pool Settings
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	} `mapstructure:"database"`

	// Docker client configuration
	Docker struct {
		Host        string        `mapstructure:"host"`
		APIVersion  string        `mapstructure:"api_version"`
		PullTimeout time.Duration `mapstructure:"pull_timeout"`
	} `mapstructure:"docker"`

	// Scanner configuration
	Scanner struct {
		Binary          string        `mapstructure:"binary"`
		Timeout         time.Duration `mapstructure:"timeout"`
		UpdateDB        bool          `mapstructure:"update_db"`
		DBUpdateTimeout time.Duration `mapstructure:"db_update_timeout"`
	} `mapstructure:"scanner"`

	// Worker pool configuration
	Workers struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"workers"`

	// Seed copy configuration (cmd/seed only)
	Seed struct {
		SourceDSN string `mapstructure:"source_dsn"` // Sensitive
		BatchSize int    `mapstructure:"batch_size"`
	} `mapstructure:"seed"`

	// Logging configuration
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// LoadConfig loads the configuration from environment variables and/or config file
func LoadConfig() (*Config, error) {
	var config Config

	// Set default values
	setDefaults()

	// Load configuration from file (optional)
	if err := loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Load environment variables
	loadEnvVars()

	// Unmarshal configuration
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Database defaults. Every overridable key needs a default, even an
	// empty one, for viper to pick it up from the environment.
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "dockerdetective")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "dockerdetective")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.sqlite.path", "dockerdetective.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "5m")

	// Docker defaults
	viper.SetDefault("docker.host", "")
	viper.SetDefault("docker.api_version", "")
	viper.SetDefault("docker.pull_timeout", "10m")

	// Scanner defaults
	viper.SetDefault("scanner.binary", "grype")
	viper.SetDefault("scanner.timeout", "15m")
	viper.SetDefault("scanner.update_db", true)
	viper.SetDefault("scanner.db_update_timeout", "10m")

	// Worker defaults
	viper.SetDefault("workers.count", 6)

	// Seed defaults
	viper.SetDefault("seed.source_dsn", "")
	viper.SetDefault("seed.batch_size", 100000)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// loadConfigFile loads configuration from a file
func loadConfigFile() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add search paths
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dockerdetective")

	if err := viper.ReadInConfig(); err != nil {
		// It's ok if config file is not found
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// loadEnvVars loads configuration from environment variables
func loadEnvVars() {
	viper.SetEnvPrefix("DD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
}

// validateConfig validates the configuration values
func validateConfig(config *Config) error {
	result := ValidationResult{
		Errors: []ValidationError{},
	}

	// Validate database configuration
	if config.Database.Type != "postgres" && config.Database.Type != "sqlite" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("unsupported database type: %s", config.Database.Type),
		})
	}

	if config.Database.Type == "sqlite" {
		if config.Database.SQLite.Path == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.sqlite.path",
				Message: "sqlite database path is empty",
			})
		} else if dir := filepath.Dir(config.Database.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				result.Errors = append(result.Errors, ValidationError{
					Field:   "database.sqlite.path",
					Message: fmt.Sprintf("failed to create directory for sqlite database: %v", err),
				})
			}
		}
	}

	if config.Database.Type == "postgres" {
		if config.Database.Host == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.host",
				Message: "postgres host is empty",
			})
		}
		if config.Database.Port == 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.port",
				Message: "postgres port is empty",
			})
		}
		if config.Database.User == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.user",
				Message: "postgres user is empty",
			})
		}
		if config.Database.Name == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "database.name",
				Message: "postgres database name is empty",
			})
		}
	}

	// Validate connection pool settings
	if config.Database.MaxOpenConns < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.max_open_conns",
			Message: "max_open_conns must be at least 1",
		})
	}
	if config.Database.MaxIdleConns < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.max_idle_conns",
			Message: "max_idle_conns cannot be negative",
		})
	}

	// Validate scanner configuration
	if config.Scanner.Binary == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "scanner.binary",
			Message: "scanner binary is empty",
		})
	}
	if config.Scanner.Timeout <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "scanner.timeout",
			Message: "scanner timeout must be positive",
		})
	}

	// Validate worker configuration
	if config.Workers.Count < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "workers.count",
			Message: fmt.Sprintf("worker count must be at least 1, got %d", config.Workers.Count),
		})
	}

	if config.Seed.BatchSize < 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "seed.batch_size",
			Message: "seed batch size must be at least 1",
		})
	}

	// Return validation errors if any
	if len(result.Errors) > 0 {
		var errMsgs []string
		for _, err := range result.Errors {
			errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
		}
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errMsgs, "; "))
	}

	return nil
}

// SafeString returns a string with sensitive information masked
func SafeString(val string) string {
	if val == "" {
		return ""
	}
	return "********"
}

// MaskSensitiveFields returns a copy of the config with sensitive fields masked
func (c *Config) MaskSensitiveFields() Config {
	maskedConfig := *c
	maskedConfig.Database.Password = SafeString(maskedConfig.Database.Password)
	maskedConfig.Seed.SourceDSN = SafeString(maskedConfig.Seed.SourceDSN)
	return maskedConfig
}

// ValidationResult holds validation results
type ValidationResult struct {
	Errors []ValidationError
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}
