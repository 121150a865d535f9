// Package config provides configuration management for katprep.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with KATPREP_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./katprep.yaml, ./configs/katprep.yaml, ~/.katprep/katprep.yaml, /etc/katprep/katprep.yaml)
//  3. .env files
//  4. Environment variables (KATPREP_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("Inventory: %s (%s)\n", cfg.Inventory.Address, cfg.Inventory.Type)
//
// # Environment Variables
//
// Use the KATPREP_ prefix and underscores for nested keys:
//   - KATPREP_INVENTORY_ADDRESS=foreman.example.com
//   - KATPREP_MAINTENANCE_WORKERS=4
//   - KATPREP_CREDENTIALS_PASSWORD=...
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for katprep.
type Config struct {
	// Logging contains log level and format
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Inventory is the Foreman/Katello server used by execute and status
	Inventory BackendConfig `mapstructure:"inventory" yaml:"inventory"`

	// Monitoring holds defaults for hosts without katprep_mon / katprep_mon_type
	Monitoring BackendConfig `mapstructure:"monitoring" yaml:"monitoring"`

	// Virtualization holds defaults for hosts without katprep_virt / katprep_virt_type
	Virtualization BackendConfig `mapstructure:"virtualization" yaml:"virtualization"`

	// Backends contains settings shared by all backend connections
	Backends BackendsConfig `mapstructure:"backends" yaml:"backends"`

	// Credentials configures credential resolution
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`

	// Maintenance contains defaults for maintenance runs
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`

	// Metrics configures the run metrics export
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format" yaml:"format"`
}

// BackendConfig describes one backend connection or connection default.
type BackendConfig struct {
	// Type selects the adapter (foreman, icinga2, vsphere)
	Type string `mapstructure:"type" yaml:"type"`

	// Address is the backend host name or URL
	Address string `mapstructure:"address" yaml:"address"`

	// Insecure disables TLS certificate verification
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// Timeout bounds each backend request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BackendsConfig contains settings shared by all backends.
type BackendsConfig struct {
	// RateLimit is the maximum requests per second per backend (0 = unlimited)
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// CredentialsConfig configures where backend credentials come from.
type CredentialsConfig struct {
	// Container is the path of the encrypted credential container (optional)
	Container string `mapstructure:"container" yaml:"container"`

	// Password unlocks the container; prompted for when empty
	Password string `mapstructure:"password" yaml:"-"`

	// Prompt allows interactive prompting for missing credentials
	Prompt bool `mapstructure:"prompt" yaml:"prompt"`
}

// MaintenanceConfig contains maintenance run defaults.
type MaintenanceConfig struct {
	// DowntimeHours is the length of scheduled downtimes
	DowntimeHours int `mapstructure:"downtime_hours" yaml:"downtime_hours"`

	// DowntimeComment is attached to scheduled downtimes
	DowntimeComment string `mapstructure:"downtime_comment" yaml:"downtime_comment"`

	// DowntimeIfSuggested schedules downtimes for hosts with reboot-suggesting errata
	DowntimeIfSuggested bool `mapstructure:"downtime_if_suggested" yaml:"downtime_if_suggested"`

	// InstallUpgrades installs all package upgrades in the execute phase
	InstallUpgrades bool `mapstructure:"install_upgrades" yaml:"install_upgrades"`

	// Workers is the number of hosts processed concurrently
	Workers int `mapstructure:"workers" yaml:"workers"`

	// SnapshotDescription is the description of created snapshots
	SnapshotDescription string `mapstructure:"snapshot_description" yaml:"snapshot_description"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	// Textfile is the node-exporter textfile path; empty disables the export
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}


// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for katprep.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (KATPREP_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("katprep")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.katprep")
		v.AddConfigPath("/etc/katprep")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("KATPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("inventory.type", "foreman")
	v.SetDefault("inventory.address", "")
	v.SetDefault("inventory.insecure", false)
	v.SetDefault("inventory.timeout", "60s")

	v.SetDefault("monitoring.type", "icinga2")
	v.SetDefault("monitoring.address", "")
	v.SetDefault("monitoring.insecure", false)
	v.SetDefault("monitoring.timeout", "30s")

	v.SetDefault("virtualization.type", "vsphere")
	v.SetDefault("virtualization.address", "")
	v.SetDefault("virtualization.insecure", false)
	v.SetDefault("virtualization.timeout", "120s")

	v.SetDefault("backends.rate_limit", 10)

	v.SetDefault("credentials.container", "")
	v.SetDefault("credentials.password", "")
	v.SetDefault("credentials.prompt", true)

	v.SetDefault("maintenance.downtime_hours", 8)
	v.SetDefault("maintenance.downtime_comment", "Downtime managed by katprep")
	v.SetDefault("maintenance.downtime_if_suggested", false)
	v.SetDefault("maintenance.install_upgrades", false)
	v.SetDefault("maintenance.workers", 1)
	v.SetDefault("maintenance.snapshot_description", "Snapshot created by katprep")

	v.SetDefault("metrics.textfile", "")
}

func validate(cfg *Config) error {
	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %q", cfg.Logging.Level)
	}

	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("invalid logging format: %q (must be json or console)", cfg.Logging.Format)
	}

	for name, b := range map[string]BackendConfig{
		"inventory":      cfg.Inventory,
		"monitoring":     cfg.Monitoring,
		"virtualization": cfg.Virtualization,
	} {
		if b.Type == "" {
			return fmt.Errorf("%s type is required", name)
		}
		if b.Timeout < 0 {
			return fmt.Errorf("invalid %s timeout: %v", name, b.Timeout)
		}
	}

	if cfg.Backends.RateLimit < 0 {
		return fmt.Errorf("invalid backend rate limit: %v", cfg.Backends.RateLimit)
	}

	if cfg.Maintenance.DowntimeHours < 1 {
		return fmt.Errorf("invalid downtime hours: %d", cfg.Maintenance.DowntimeHours)
	}

	if cfg.Maintenance.Workers < 1 {
		return fmt.Errorf("invalid worker count: %d", cfg.Maintenance.Workers)
	}

	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	_ = v.Unmarshal(c)
	return c
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
