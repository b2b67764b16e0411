// Package config loads the driftbox configuration: defaults, then an
// optional YAML file, then DRIFTBOX_* environment variables, then runtime
// overrides, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DRIFTBOX"

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Vault    VaultConfig    `mapstructure:"vault" yaml:"vault"`
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DatabaseConfig locates the sqlite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// VaultConfig locates the master key material. KeyFile holds a 32-byte
// key; when empty, Passphrase plus SaltFile derive one.
type VaultConfig struct {
	KeyFile    string `mapstructure:"key_file" yaml:"key_file"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
	SaltFile   string `mapstructure:"salt_file" yaml:"salt_file"`
}

// TransferConfig tunes the session engine.
type TransferConfig struct {
	SpoolDir         string        `mapstructure:"spool_dir" yaml:"spool_dir"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RelayBytesPerSec int64         `mapstructure:"relay_bytes_per_sec" yaml:"relay_bytes_per_sec"`
}

var (
	configMu  sync.Mutex
	appConfig *Config
)

// Load builds the configuration. An optional overrides map takes
// precedence over file and environment sources.
func Load(path string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("driftbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "driftbox"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Set puts overrides at the highest precedence; MergeConfigMap would
	// lose to environment variables.
	for _, override := range overrides {
		applyOverrides(v, "", override)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil before
// the first Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Transfer.SpoolDir == "" {
		return fmt.Errorf("transfer spool dir is required")
	}
	if c.Vault.KeyFile == "" && c.Vault.Passphrase == "" {
		return fmt.Errorf("vault key material is required (key_file or passphrase)")
	}
	return nil
}

func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, full, nested)
			continue
		}
		v.Set(full, value)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("database.path", "driftbox.db")
	v.SetDefault("vault.salt_file", "driftbox.salt")

	v.SetDefault("transfer.spool_dir", "spool")
	v.SetDefault("transfer.idle_timeout", 30*time.Minute)
	v.SetDefault("transfer.relay_bytes_per_sec", int64(0))
}

// WriteExample writes a commented starter configuration to path.
func WriteExample(path string) error {
	example := Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Profile: "STRUCTURED"},
		Metrics:  MetricsConfig{Enabled: true},
		Database: DatabaseConfig{Path: "driftbox.db"},
		Vault:    VaultConfig{KeyFile: "driftbox.key"},
		Transfer: TransferConfig{
			SpoolDir:    "spool",
			IdleTimeout: 30 * time.Minute,
		},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("marshal example config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	return nil
}
