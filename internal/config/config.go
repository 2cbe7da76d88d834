// Package config holds the viper-backed configuration singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project .ledgermind/config.yaml > ~/.config/lm/config.yaml
	configFileSet := false

	// Walk up from CWD so commands work from subdirectories.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".ledgermind", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "lm", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g., LM_ACTOR, LM_REVIEW_WINDOW_SECONDS, LM_LOCK_TIMEOUT.
	v.SetEnvPrefix("LM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setStoreDefaults(v)

	v.SetDefault("json", false)
	v.SetDefault("actor", "")
	v.SetDefault("lock-timeout", "30s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setStoreDefaults registers the store tuning keys and their defaults.
func setStoreDefaults(v *viper.Viper) {
	v.SetDefault("review_window_seconds", 3600)
	v.SetDefault("min_evidence", 1)
	v.SetDefault("max_resolution_depth", 32)
	v.SetDefault("relevance_threshold", 0.7)
	v.SetDefault("retention_turns", 10)
	v.SetDefault("cooldown_seconds", 2)
	v.SetDefault("ann_tail_fraction", 0.05)
}

// GetString returns a string config value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat returns a float config value.
func GetFloat(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a config value at runtime (used by flag binding and tests).
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
		setStoreDefaults(v)
	}
	v.Set(key, value)
}
