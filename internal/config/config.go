package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// EnvPrefix namespaces every environment override, e.g. EXPENSES_SERVER_PORT
const EnvPrefix = "EXPENSES"

// Config holds all application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	UploadCache UploadCacheConfig `mapstructure:"upload_cache"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	UI          UIConfig          `mapstructure:"ui"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Mode               string        `mapstructure:"mode"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	MaxMultipartMemory int64         `mapstructure:"max_multipart_memory"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig holds attachment storage configuration
type StorageConfig struct {
	AttachmentDir  string `mapstructure:"attachment_dir"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
}

// UploadCacheConfig holds configuration for files staged by failed submissions
type UploadCacheConfig struct {
	Dir           string        `mapstructure:"dir"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// UIConfig holds settings for the rendered pages
type UIConfig struct {
	FileSelectionText string `mapstructure:"file_selection_text"`
	AssetsDir         string `mapstructure:"assets_dir"`
}

// LoadEnvFile loads variables from a .env file into the process environment.
// A missing file is not an error. Variables already set are left alone.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from file and environment variables.
// An empty configPath uses defaults and the environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_multipart_memory", 32<<20)

	// Database defaults
	v.SetDefault("database.path", "data/expense_reports.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 0)

	// Storage defaults
	v.SetDefault("storage.attachment_dir", "data/attachments")
	v.SetDefault("storage.max_upload_bytes", 10<<20)

	// Upload cache defaults
	v.SetDefault("upload_cache.dir", "data/upload_cache")
	v.SetDefault("upload_cache.ttl", 24*time.Hour)
	v.SetDefault("upload_cache.sweep_interval", 10*time.Minute)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	// UI defaults
	v.SetDefault("ui.file_selection_text", "No file chosen")
	v.SetDefault("ui.assets_dir", "web/assets")
}

// bindEnvVars binds the conventional unprefixed names platforms inject
func bindEnvVars(v *viper.Viper) error {
	return errors.Join(
		v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"),
		v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH", "DATABASE_PATH"),
		v.BindEnv("logger.level", EnvPrefix+"_LOGGER_LEVEL", "LOG_LEVEL"),
	)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be one of debug, release, test, got %q", c.Server.Mode)
	}

	// Validate database
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Validate storage
	if c.Storage.AttachmentDir == "" {
		return fmt.Errorf("storage.attachment_dir is required")
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage.max_upload_bytes must be positive")
	}

	// Validate upload cache
	if c.UploadCache.Dir == "" {
		return fmt.Errorf("upload_cache.dir is required")
	}
	if c.UploadCache.Dir == c.Storage.AttachmentDir {
		return fmt.Errorf("upload_cache.dir must differ from storage.attachment_dir")
	}
	if c.UploadCache.TTL <= 0 {
		return fmt.Errorf("upload_cache.ttl must be positive")
	}
	if c.UploadCache.SweepInterval <= 0 {
		return fmt.Errorf("upload_cache.sweep_interval must be positive")
	}

	// Validate logger
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format)
	}

	return nil
}
