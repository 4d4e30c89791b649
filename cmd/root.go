package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/defenseunicorns/uds-vuln-hub/internal/config"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/db"
	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
	"github.com/defenseunicorns/uds-vuln-hub/internal/sql"
	"github.com/defenseunicorns/uds-vuln-hub/internal/tracker"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/types"
)

// errRequiredFlagEmpty is returned for a required flag left empty.
var errRequiredFlagEmpty = errors.New("is required and cannot be empty")

// Execute is the main entry point of the CLI.
func Execute(args []string) {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "vulnhub",
		Short:        "Ingest security scan reports and track the vulnerabilities they find",
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.String("log-level", "info", "Log level: debug|info|warn|error")
	flags.String("upload-dir", "uploads", "Directory reports are staged in before processing")
	flags.String("detector-file", "", "YAML file overriding the report detection rules")
	flags.String("database-type", "sqlite", "Database type: sqlite|postgres|cloudsql")
	flags.String("database-path", "vulnhub.db", "SQLite database path")
	flags.String("database-host", "", "Database host")
	flags.Int("database-port", 5432, "Database port")
	flags.String("database-user", "", "Database user")
	flags.String("database-password", "", "Database password")
	flags.String("database-name", "", "Database name")
	flags.String("database-ssl-mode", "disable", "Database SSL mode")
	flags.String("database-instance-connection-name", "", "Cloud SQL instance connection name")
	flags.String("redis-addr", "localhost:6379", "Redis address for the task queue and scan locks")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")

	rootCmd.AddCommand(
		newVersionCmd(),
		newOrgCmd(),
		newAppCmd(),
		newIngestCmd(),
		newWorkerCmd(),
		newReportCmd(),
		newTicketCmd(),
		newSyncUsersCmd(),
		newRemediateCmd(),
		newFalsePositiveCmd(),
	)
	return rootCmd
}

// runtime is what every subcommand needs once flags are parsed.
type runtime struct {
	ctx    context.Context
	cfg    *config.Config
	logger types.Logger
}

// loadRuntime reads the configuration from the file, VULNHUB_ variables and flags.
func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	file, _ := cmd.Flags().GetString("config") //nolint:errcheck
	v, err := config.New(file, cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, err := log.NewLoggerWithLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return &runtime{ctx: log.WithLogger(ctx, logger), cfg: cfg, logger: logger}, nil
}

// store groups the managers over one database connection.
type store struct {
	db       *gorm.DB
	scans    *db.GormScanManager
	vulns    *db.GormVulnerabilityManager
	webhooks *db.GormWebhookLogManager
	orgs     *db.GormOrganizationManager
}

// openStore connects to the configured database. SQLite databases are migrated on open;
// the others are migrated by table-init.
func openStore(rt *runtime) (*store, error) {
	level := gormlogger.Warn
	if rt.cfg.LogLevel == "debug" {
		level = gormlogger.Info
	}
	connector, err := sql.CreateDBConnector(rt.cfg.Database.Connector(log.NewGormLogger(rt.logger, level)))
	if err != nil {
		return nil, fmt.Errorf("error creating database connector: %w", err)
	}
	conn, err := connector.Connect(rt.ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	if rt.cfg.Database.Type == "sqlite" {
		if err := model.Migrate(conn); err != nil {
			return nil, err
		}
	}
	s := &store{db: conn}
	var errs [4]error
	s.scans, errs[0] = db.NewGormScanManager(conn)
	s.vulns, errs[1] = db.NewGormVulnerabilityManager(conn)
	s.webhooks, errs[2] = db.NewGormWebhookLogManager(conn)
	s.orgs, errs[3] = db.NewGormOrganizationManager(conn)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("error initializing managers: %w", err)
	}
	return s, nil
}

// trackerService builds the ticketing service over s.
func trackerService(rt *runtime, s *store) (*tracker.Service, error) {
	clients := tracker.NewJiraFactory(tracker.Options{
		Timeout:        rt.cfg.Tracker.Timeout,
		RequestsPerSec: rt.cfg.Tracker.RequestsPerSec,
		Burst:          rt.cfg.Tracker.Burst,
	})
	return tracker.NewService(s.vulns, s.orgs, clients, tracker.DefaultDescriberFactory)
}

func requireString(cmd *cobra.Command, name string) (string, error) {
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("error getting flag %s: %w", name, err)
	}
	if value == "" {
		return "", fmt.Errorf("%s %w", name, errRequiredFlagEmpty)
	}
	return value, nil
}

func requireUint(cmd *cobra.Command, name string) (uint, error) {
	value, err := cmd.Flags().GetUint(name)
	if err != nil {
		return 0, fmt.Errorf("error getting flag %s: %w", name, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("%s %w", name, errRequiredFlagEmpty)
	}
	return value, nil
}
