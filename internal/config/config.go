// Package config loads the service configuration from flags, VULNHUB_ environment variables
// and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	gormlogger "gorm.io/gorm/logger"

	"github.com/defenseunicorns/uds-vuln-hub/internal/sql"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "VULNHUB"

// Config is the complete service configuration.
type Config struct {
	LogLevel     string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	UploadDir    string         `mapstructure:"upload_dir" validate:"required"`
	DetectorFile string         `mapstructure:"detector_file"`
	PprofAddr    string         `mapstructure:"pprof_addr" validate:"omitempty,hostname_port"`
	Database     DatabaseConfig `mapstructure:"database"`
	Redis        RedisConfig    `mapstructure:"redis"`
	Worker       WorkerConfig   `mapstructure:"worker"`
	Tracker      TrackerConfig  `mapstructure:"tracker"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type                   string `mapstructure:"type" validate:"oneof=sqlite postgres cloudsql"`
	Path                   string `mapstructure:"path" validate:"required_if=Type sqlite"`
	Host                   string `mapstructure:"host" validate:"required_if=Type postgres"`
	User                   string `mapstructure:"user"`
	Password               string `mapstructure:"password"`
	Name                   string `mapstructure:"name" validate:"required_unless=Type sqlite"`
	SSLMode                string `mapstructure:"ssl_mode"`
	InstanceConnectionName string `mapstructure:"instance_connection_name" validate:"required_if=Type cloudsql"`
	Port                   int    `mapstructure:"port" validate:"min=0,max=65535"`
}

// RedisConfig locates the redis server backing the task queue and the scan locks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// WorkerConfig tunes the background task server.
type WorkerConfig struct {
	SyncSchedule string        `mapstructure:"sync_schedule" validate:"required,cronspec"`
	LockTTL      time.Duration `mapstructure:"lock_ttl" validate:"min=1s"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout" validate:"min=1s"`
	Concurrency  int           `mapstructure:"concurrency" validate:"min=1"`
	MaxRetry     int           `mapstructure:"max_retry" validate:"min=0"`
}

// TrackerConfig paces calls to the issue tracker.
type TrackerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" validate:"min=1s"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" validate:"gt=0"`
	Burst          int           `mapstructure:"burst" validate:"min=1"`
}

// SetDefaults registers every key with its default so environment variables are honored on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("detector_file", "")
	v.SetDefault("pprof_addr", "")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "vulnhub.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.instance_connection_name", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("worker.task_timeout", 10*time.Minute)
	v.SetDefault("worker.lock_ttl", 15*time.Minute)
	v.SetDefault("worker.sync_schedule", "@hourly")
	v.SetDefault("tracker.timeout", 30*time.Second)
	v.SetDefault("tracker.requests_per_sec", 5.0)
	v.SetDefault("tracker.burst", 5)
}

// New builds a viper instance reading VULNHUB_* variables, the optional file and flags.
// Flags are bound by their name with dashes replaced by dots, so --database-type sets database.type.
func New(file string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", file, err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			bindErr = errors.Join(bindErr, v.BindPFlag(flagKey(f.Name), f))
		})
		if bindErr != nil {
			return nil, fmt.Errorf("error binding flags: %w", bindErr)
		}
	}
	return v, nil
}

var flagNames = strings.NewReplacer(".", "-", "_", "-")

// flagKey maps a flag such as --worker-sync-schedule to its key, worker.sync_schedule.
// Unknown flags bind under their own name.
func flagKey(name string) string {
	v := viper.New()
	SetDefaults(v)
	for _, key := range v.AllKeys() {
		if flagNames.Replace(key) == name {
			return key
		}
	}
	return name
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or a nil func.
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Connector converts the database section into the connector factory's input.
func (d DatabaseConfig) Connector(logger gormlogger.Interface) sql.ConnectorConfig {
	return sql.ConnectorConfig{
		Type:                   d.Type,
		Path:                   d.Path,
		Host:                   d.Host,
		Port:                   d.Port,
		User:                   d.User,
		Password:               d.Password,
		Name:                   d.Name,
		SSLMode:                d.SSLMode,
		InstanceConnectionName: d.InstanceConnectionName,
		Logger:                 logger,
	}
}
