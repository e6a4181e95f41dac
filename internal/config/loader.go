// Package config provides configuration loading for the Sentinel Compliance
// Agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sentinelsca.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("sentinelsca")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SCA_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("SCA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a sentinelsca config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "sentinelsca" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sentinelsca"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sentinelsca"))
		}
	} else {
		paths = append(paths, "/etc/sentinelsca")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for sentinelsca.yaml
// or .yml. Returns the full path of the first match, or empty string if none
// found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sentinelsca"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support, so
// the handful of scalar settings operators reach for most often (secrets,
// freeze switch, listen address) can be overridden without a file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("security.strict_mode")
	_ = viper.BindEnv("security.global_freeze")
	_ = viper.BindEnv("security.api_key")
	_ = viper.BindEnv("security.signing_secret")
	_ = viper.BindEnv("security.audit_secret")
	_ = viper.BindEnv("security.vt_salt")
	_ = viper.BindEnv("security.time_window")

	_ = viper.BindEnv("rate_limit.max")
	_ = viper.BindEnv("rate_limit.window")

	_ = viper.BindEnv("reputation.auto_deny")
	_ = viper.BindEnv("reputation.auto_review")
	_ = viper.BindEnv("reputation.deny_at")
	_ = viper.BindEnv("reputation.review_at")
	_ = viper.BindEnv("reputation.ledger_path")

	_ = viper.BindEnv("audit_file.dir")
	_ = viper.BindEnv("audit_file.retention_days")

	_ = viper.BindEnv("kv.driver")
	_ = viper.BindEnv("kv.path")

	// Note: policies, ops.probe.targets, ops.*.allowed_types/targets are
	// arrays, complex to override via env. Users should use a config file
	// for these.

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
