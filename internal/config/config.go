package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration of the CLI.
type Config struct {
	ListenAddr    string
	JournalDSN    string
	DecodePolicy  string // "retry" or "fail"
	DecodeRetries int
	JSON          bool
}

// applyDefaults seeds Viper with defaults defined in GetConfigOptions.
// This centralizes default values and descriptions in one place.
func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Value)
	}
}

// Load resolves configuration with precedence: defaults < file < env.
// The provided Viper instance is mutated with defaults, file contents, and env.
func Load(ctx context.Context, v *viper.Viper) error {
	// Configure Viper search paths. If SetConfigFile was provided upstream,
	// it takes precedence; these paths are harmless fallbacks.
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "updwire"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "updwire"))
		}
		v.AddConfigPath(".")
	}

	// Apply centralized defaults (lowest precedence)
	applyDefaults(v)

	// Read config file if present (overrides defaults)
	_ = v.ReadInConfig()

	// Environment variables: UPDWIRE_* (highest among these sources)
	v.SetEnvPrefix("updwire")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Normalize dependent values post-merge.
	if strings.TrimSpace(v.GetString("listen_addr")) == "" {
		v.Set("listen_addr", "127.0.0.1:0")
	}
	switch strings.ToLower(v.GetString("decode_policy")) {
	case "retry", "fail":
	default:
		v.Set("decode_policy", "retry")
	}
	return nil
}

// FromViper extracts the typed Config from a loaded Viper instance.
func FromViper(v *viper.Viper) Config {
	return Config{
		ListenAddr:    v.GetString("listen_addr"),
		JournalDSN:    v.GetString("journal"),
		DecodePolicy:  strings.ToLower(v.GetString("decode_policy")),
		DecodeRetries: v.GetInt("decode_retries"),
		JSON:          v.GetBool("json"),
	}
}
