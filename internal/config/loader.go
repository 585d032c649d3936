// Package config loads the engine configuration from YAML with environment
// overrides. The dimension classification lives here: which column is the
// business key, which attributes exist, and how each one is classified.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"dimhist/internal/db"
	"dimhist/internal/domain"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver   string
	Path     string // sqlite database file
	Database db.Config
}

type DimensionConfig struct {
	Name          string
	BusinessKey   string
	Attributes    []domain.AttributeSpec
	DeleteMissing bool
}

type EngineConfig struct {
	Workers int
}

type ExportConfig struct {
	Directory string
	PageSize  int
}

type LoggingConfig struct {
	Level  string
	Pretty bool
}

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Dimension DimensionConfig
	Engine    EngineConfig
	Export    ExportConfig
	Logging   LoggingConfig
}

// Default returns the configuration used when no file and no environment
// overrides are present. The dimension section has no default: a dimension
// must be declared before anything can run.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Storage: StorageConfig{
			Driver:   DriverSQLite,
			Path:     "dimhist.db",
			Database: db.DefaultConfig(),
		},
		Engine:  EngineConfig{Workers: 4},
		Export:  ExportConfig{PageSize: 1000},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file at path, or searches the working
// directory and ./configs for config.yaml when path is empty. Environment
// variables prefixed DIMHIST_ override file values.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	v.AutomaticEnv()
	v.SetEnvPrefix("DIMHIST")

	// Map nested keys to flat env vars, e.g. DIMHIST_STORAGE_DRIVER.
	for _, key := range []string{
		"server.host", "server.port", "server.allowed_origins",
		"storage.driver", "storage.path",
		"storage.database.host", "storage.database.port", "storage.database.user",
		"storage.database.password", "storage.database.dbname", "storage.database.sslmode",
		"dimension.name", "dimension.business_key", "dimension.delete_missing",
		"engine.workers",
		"export.directory", "export.page_size",
		"logging.level", "logging.pretty",
	} {
		if err := v.BindEnv(key, envName(key)); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when the path was not explicit; defaults
		// and environment overrides still apply.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || strings.TrimSpace(path) != "" {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if v.IsSet("server.host") {
		cfg.Server.Host = v.GetString("server.host")
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("storage.driver") {
		cfg.Storage.Driver = strings.ToLower(v.GetString("storage.driver"))
	}
	if v.IsSet("storage.path") {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if v.IsSet("storage.database.host") {
		cfg.Storage.Database.Host = v.GetString("storage.database.host")
	}
	if v.IsSet("storage.database.port") {
		cfg.Storage.Database.Port = v.GetInt("storage.database.port")
	}
	if v.IsSet("storage.database.user") {
		cfg.Storage.Database.User = v.GetString("storage.database.user")
	}
	if v.IsSet("storage.database.password") {
		cfg.Storage.Database.Password = v.GetString("storage.database.password")
	}
	if v.IsSet("storage.database.dbname") {
		cfg.Storage.Database.DBName = v.GetString("storage.database.dbname")
	}
	if v.IsSet("storage.database.sslmode") {
		cfg.Storage.Database.SSLMode = v.GetString("storage.database.sslmode")
	}
	if v.IsSet("dimension.name") {
		cfg.Dimension.Name = v.GetString("dimension.name")
	}
	if v.IsSet("dimension.business_key") {
		cfg.Dimension.BusinessKey = v.GetString("dimension.business_key")
	}
	if v.IsSet("dimension.attributes") {
		if err := v.UnmarshalKey("dimension.attributes", &cfg.Dimension.Attributes); err != nil {
			return Config{}, fmt.Errorf("failed to parse dimension.attributes: %w", err)
		}
	}
	if v.IsSet("engine.workers") {
		cfg.Engine.Workers = v.GetInt("engine.workers")
	}
	if v.IsSet("export.directory") {
		cfg.Export.Directory = v.GetString("export.directory")
	}
	if v.IsSet("export.page_size") {
		cfg.Export.PageSize = v.GetInt("export.page_size")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.pretty") {
		cfg.Logging.Pretty = v.GetBool("logging.pretty")
	}

	// The delete-as-missing policy changes what a snapshot means, so it is
	// never defaulted: the operator has to state it.
	if !v.IsSet("dimension.delete_missing") {
		return Config{}, domain.NewConfigurationError("dimension.delete_missing must be set explicitly (true or false)")
	}
	cfg.Dimension.DeleteMissing = v.GetBool("dimension.delete_missing")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envName(key string) string {
	return "DIMHIST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks everything that can be checked without touching storage.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return domain.NewConfigurationError("storage.path is required for the sqlite driver")
		}
	default:
		return domain.NewConfigurationError("unknown storage.driver %q, expected %q or %q", c.Storage.Driver, DriverPostgres, DriverSQLite)
	}
	if strings.TrimSpace(c.Dimension.Name) == "" {
		return domain.NewConfigurationError("dimension.name is required")
	}
	if _, err := c.Classifier(); err != nil {
		return err
	}
	return nil
}

// Classifier builds the attribute classifier declared by the dimension
// section.
func (c Config) Classifier() (*domain.Classifier, error) {
	return domain.NewClassifier(c.Dimension.BusinessKey, c.Dimension.Attributes)
}
