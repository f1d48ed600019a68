package config

import (
	"os"
	"path/filepath"
)

type ConfigOption struct {
	Key     string
	Value   any
	Comment string
}

// GetConfigOptions returns the default configuration options and their
// meanings. This is the single source of truth for default values.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "listen_addr", Value: "127.0.0.1:0", Comment: "Endpoint the receiver binds; port 0 requests an OS-assigned port"},
		{Key: "journal", Value: "", Comment: "Journal database DSN (sqlite://path); empty disables journaling"},
		{Key: "decode_policy", Value: "retry", Comment: "Malformed-frame policy: retry (skip and continue) or fail (end the stream)"},
		{Key: "decode_retries", Value: 0, Comment: "With decode_policy=retry, consecutive malformed frames tolerated before failing; 0 = unlimited"},
		{Key: "json", Value: false, Comment: "Print received transactions as JSON lines instead of plain text"},
	}
}

// DefaultJournalDSN builds the default sqlite journal path under the data dir.
func DefaultJournalDSN() string {
	return "sqlite://" + filepath.Join(defaultDataDir(), "updwire.db")
}

// defaultDataDir resolves $XDG_DATA_HOME/updwire or ~/.local/share/updwire.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "updwire")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "updwire")
}
