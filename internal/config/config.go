// Package config layers file, environment, and default configuration for
// the core, grounded on the teacher's internal/config (a viper singleton
// with env-var binding and explicit file discovery), adapted from YAML to
// the BurntSushi/toml format spec.md §6 calls for.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Backend selects which persistence implementation the manager uses.
type Backend string

const (
	BackendFileAtomic   Backend = "file-atomic"
	BackendEventSourced Backend = "event-sourced"
)

// Weights mirrors suggester.Weights without importing it, so config stays
// independent of the scoring package's internals.
type Weights struct {
	Text    float64
	Time    float64
	Session float64
}

// Config is the fully-resolved, typed configuration snapshot (spec.md §6
// "Configuration schema"). Every field has a working default.
type Config struct {
	Backend Backend

	EventStoreEndpoint    string
	EventStoreNamespace   string
	EventStoreDatabase    string
	EventStoreCredentials string

	MaterializerTTLSeconds int

	SuggesterTopK   int
	SuggesterFloor  float64
	SuggesterWeights Weights

	ScannerOOMThreshold int

	StoreTimeoutSeconds int
}

var v *viper.Viper

// Initialize locates and loads .logrepair/config.toml, binds environment
// overrides under the LOGREPAIR_ prefix, and sets every default from
// spec.md §6. It is safe to call once at process startup, matching the
// teacher's config.Initialize contract.
func Initialize() error {
	v = viper.New()

	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".logrepair", "config.toml")
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".logrepair", "config.toml")
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("LOGREPAIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", string(BackendFileAtomic))
	v.SetDefault("event_store.endpoint", "")
	v.SetDefault("event_store.namespace", "")
	v.SetDefault("event_store.database", "")
	v.SetDefault("event_store.credentials", "")
	v.SetDefault("materializer.ttl_seconds", 300)
	v.SetDefault("suggester.top_k", 5)
	v.SetDefault("suggester.floor", 0.3)
	v.SetDefault("suggester.weights.text", 0.7)
	v.SetDefault("suggester.weights.time", 0.2)
	v.SetDefault("suggester.weights.session", 0.1)
	v.SetDefault("scanner.oom_threshold", 100)
	v.SetDefault("store_timeout_seconds", 30)

	if configFileSet {
		// Decoded directly with BurntSushi/toml (the teacher's own TOML
		// library, cmd/bd/formula.go) rather than through viper's built-in
		// file reader, then merged into viper's layer so defaults and
		// LOGREPAIR_ env overrides still take precedence in the usual order.
		var raw map[string]any
		if _, err := toml.DecodeFile(v.ConfigFileUsed(), &raw); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return fmt.Errorf("error merging config file: %w", err)
		}
	}

	return nil
}

// Load returns the resolved Config snapshot. If Initialize has not been
// called yet, Load calls it first (ignoring its error), so the snapshot
// still reflects any config file and LOGREPAIR_ environment overrides.
func Load() Config {
	if v == nil {
		_ = Initialize()
	}
	return Config{
		Backend:                Backend(v.GetString("backend")),
		EventStoreEndpoint:     v.GetString("event_store.endpoint"),
		EventStoreNamespace:    v.GetString("event_store.namespace"),
		EventStoreDatabase:     v.GetString("event_store.database"),
		EventStoreCredentials:  v.GetString("event_store.credentials"),
		MaterializerTTLSeconds: v.GetInt("materializer.ttl_seconds"),
		SuggesterTopK:          v.GetInt("suggester.top_k"),
		SuggesterFloor:         v.GetFloat64("suggester.floor"),
		SuggesterWeights: Weights{
			Text:    v.GetFloat64("suggester.weights.text"),
			Time:    v.GetFloat64("suggester.weights.time"),
			Session: v.GetFloat64("suggester.weights.session"),
		},
		ScannerOOMThreshold: v.GetInt("scanner.oom_threshold"),
		StoreTimeoutSeconds: v.GetInt("store_timeout_seconds"),
	}
}

// MaterializerTTL returns MaterializerTTLSeconds as a time.Duration.
func (c Config) MaterializerTTL() time.Duration {
	return time.Duration(c.MaterializerTTLSeconds) * time.Second
}

// StoreTimeout returns StoreTimeoutSeconds as a time.Duration.
func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}
