// Package config implements the file-based configuration surrounding the
// replication core: default CRDT algorithm, HTTP sync endpoint and
// credentials, payload compression threshold, and the internal
// merge_equal_values tie-break flag.
//
// A viper.Viper singleton, env-var binding with a replicated prefix, and a
// precedence walk that prefers a project-local config file over the user's
// XDG config directory over the user's home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

var v *viper.Viper

// Config is the resolved configuration the engine and CLI read from.
type Config struct {
	Algorithm         csync.Algorithm
	Endpoint          string
	APIKey            string
	Token             string
	CompressThreshold int // bytes; payloads smaller than this skip LZ4
	MergeEqualValues  bool
	SyncWaitMs        int
	SyncMaxRetries    int
	SkipIntPKCheck    bool
	Debug             bool
}

// Load sets up the viper singleton and returns the resolved Config, walking
// three locations in order: project .cloudsync/config.yaml (walking up
// from cwd), $XDG_CONFIG_HOME/cloudsync/config.yaml, then
// ~/.cloudsync/config.yaml.
func Load() (Config, error) {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".cloudsync", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(configDir, "cloudsync", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".cloudsync", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("CLOUDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("algorithm", string(csync.AlgoCLS))
	v.SetDefault("endpoint", "")
	v.SetDefault("apikey", "")
	v.SetDefault("token", "")
	v.SetDefault("compress-threshold", 256)
	v.SetDefault("merge-equal-values", false)
	v.SetDefault("sync.wait-ms", 500)
	v.SetDefault("sync.max-retries", 5)
	v.SetDefault("skip-int-pk-check", false)
	v.SetDefault("debug", false)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	algo := csync.Algorithm(v.GetString("algorithm"))
	if !algo.Valid() {
		return Config{}, fmt.Errorf("config: %w: unknown algorithm %q", csync.ErrMisuse, algo)
	}

	return Config{
		Algorithm:         algo,
		Endpoint:          v.GetString("endpoint"),
		APIKey:            v.GetString("apikey"),
		Token:             v.GetString("token"),
		CompressThreshold: v.GetInt("compress-threshold"),
		MergeEqualValues:  v.GetBool("merge-equal-values"),
		SyncWaitMs:        v.GetInt("sync.wait-ms"),
		SyncMaxRetries:    v.GetInt("sync.max-retries"),
		SkipIntPKCheck:    v.GetBool("skip-int-pk-check"),
		Debug:             v.GetBool("debug"),
	}, nil
}

// ConfigFileUsed returns the path viper resolved on the last Load call, or
// "" if none was found (defaults/env only), for a debug-log line reporting
// which file was loaded.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
