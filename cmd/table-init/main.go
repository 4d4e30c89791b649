package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/defenseunicorns/uds-vuln-hub/internal/config"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/sql"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

type connectorFactory func(sql.ConnectorConfig) (sql.DBConnector, error)

type migrator func(*gorm.DB) error

// loadConfig reads the database settings from the optional --config file, VULNHUB_ variables and flags.
func loadConfig(args []string) (*config.Config, error) {
	flags := pflag.NewFlagSet("table-init", pflag.ContinueOnError)
	file := flags.String("config", "", "Path to a YAML config file")
	flags.String("database-type", "sqlite", "Database type: sqlite|postgres|cloudsql")
	flags.String("database-path", "vulnhub.db", "SQLite database path")
	flags.String("log-level", "info", "Log level: debug|info|warn|error")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	v, err := config.New(*file, flags)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}

// run connects to the configured database and migrates every model.
func run(ctx context.Context, cfg *config.Config, logger types.Logger, newConnector connectorFactory, migrate migrator) error {
	connector, err := newConnector(cfg.Database.Connector(log.NewGormLogger(logger, gormlogger.Warn)))
	if err != nil {
		return fmt.Errorf("failed to create database connector: %w", err)
	}
	db, err := connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("database migrated", "type", cfg.Database.Type)
	return nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := log.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx := log.WithLogger(context.Background(), logger)
	if err := run(ctx, cfg, logger, sql.CreateDBConnector, model.Migrate); err != nil {
		logger.Fatalf("failed to initialize tables", "error", err)
	}
}
