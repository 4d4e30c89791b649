package sql

import (
	"context"
	"fmt"
	"net"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConnector is an interface for database connections.
type DBConnector interface {
	Connect(ctx context.Context) (*gorm.DB, error)
}

// ConnectorConfig selects and parameterizes a DBConnector.
type ConnectorConfig struct {
	// Type is one of "sqlite", "postgres" or "cloudsql".
	Type                   string
	Path                   string
	Host                   string
	Port                   int
	User                   string
	Password               string
	Name                   string
	SSLMode                string
	InstanceConnectionName string
	// Logger receives gorm's SQL logging. Nil uses gorm's default logger at warn level.
	Logger logger.Interface
}

func (c ConnectorConfig) gormConfig() *gorm.Config {
	l := c.Logger
	if l == nil {
		l = logger.Default.LogMode(logger.Warn)
	}
	return &gorm.Config{Logger: l}
}

// SQLiteConnector implements DBConnector for SQLite connections.
type SQLiteConnector struct {
	cfg ConnectorConfig
}

// Connect connects to the SQLite database.
func (c *SQLiteConnector) Connect(ctx context.Context) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(c.cfg.Path), c.cfg.gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	return database, nil
}

// PostgresConnector implements DBConnector for a directly reachable PostgreSQL server.
type PostgresConnector struct {
	cfg ConnectorConfig
}

// DSN returns the libpq-style connection string.
func (c *PostgresConnector) DSN() string {
	sslMode := c.cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.cfg.Host, c.cfg.Port, c.cfg.User, c.cfg.Password, c.cfg.Name, sslMode)
}

// Connect connects to the PostgreSQL database.
func (c *PostgresConnector) Connect(ctx context.Context) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(c.DSN()), c.cfg.gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}
	return database, nil
}

// CloudSQLConnector implements DBConnector for Cloud SQL connections.
type CloudSQLConnector struct {
	cfg ConnectorConfig
}

// Connect connects to the database using the Cloud SQL connection.
func (c *CloudSQLConnector) Connect(ctx context.Context) (*gorm.DB, error) {
	dialer, err := cloudsqlconn.NewDialer(ctx, cloudsqlconn.WithIAMAuthN())
	if err != nil {
		// Fallback to using password if IAMAuthN fails
		dialer, err = cloudsqlconn.NewDialer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create dialer: %w", err)
		}
	}

	config, err := pgx.ParseConfig(fmt.Sprintf("user=%s password=%s dbname=%s sslmode=disable",
		c.cfg.User, c.cfg.Password, c.cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	config.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.Dial(ctx, c.cfg.InstanceConnectionName)
		if err != nil {
			return nil, fmt.Errorf("failed to dial Cloud SQL instance: %w", err)
		}
		return conn, nil
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: stdlib.OpenDB(*config),
	}), c.cfg.gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gorm with pgx connection: %w", err)
	}
	return gormDB, nil
}

// CreateDBConnector is a factory function that returns the appropriate DBConnector.
func CreateDBConnector(cfg ConnectorConfig) (DBConnector, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite requires a database path")
		}
		return &SQLiteConnector{cfg: cfg}, nil
	case "postgres":
		return &PostgresConnector{cfg: cfg}, nil
	case "cloudsql":
		if cfg.InstanceConnectionName == "" {
			return nil, fmt.Errorf("cloudsql requires an instance connection name")
		}
		return &CloudSQLConnector{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
