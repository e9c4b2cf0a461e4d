package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host      string   `toml:"host"`
		Origins   []string `toml:"origins"`
		CacheSize uint     `toml:"cache_size"`
	} `toml:"server"`

	Grammar struct {
		Whitespace   string `toml:"whitespace"`
		MaxRecursion uint   `toml:"max_recursion"`
	} `toml:"grammar"`

	Index struct {
		Workers      uint   `toml:"workers"`
		MaxStates    uint   `toml:"max_states"`
		FrozenPolicy string `toml:"frozen_policy"`
	} `toml:"index"`

	Logging struct {
		Debug string `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "constrain", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".constrain", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "constrain", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "constrain", "config.toml"),
				filepath.Join(home, ".constrain", "config.toml"),
			)
		}
		paths = append(paths, "/etc/constrain/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ConfigPath returns the path of the loaded configuration file, if any.
func ConfigPath() string {
	GetConfigValue("")
	return configPath
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	uintValue := func(n uint) string {
		if n > 0 {
			return strconv.FormatUint(uint64(n), 10)
		}
		return ""
	}

	switch key {
	case "CONSTRAIN_HOST":
		return config.Server.Host
	case "CONSTRAIN_ORIGINS":
		return strings.Join(config.Server.Origins, ",")
	case "CONSTRAIN_CACHE_SIZE":
		return uintValue(config.Server.CacheSize)
	case "CONSTRAIN_WHITESPACE":
		return config.Grammar.Whitespace
	case "CONSTRAIN_MAX_RECURSION":
		return uintValue(config.Grammar.MaxRecursion)
	case "CONSTRAIN_WORKERS":
		return uintValue(config.Index.Workers)
	case "CONSTRAIN_MAX_STATES":
		return uintValue(config.Index.MaxStates)
	case "CONSTRAIN_FROZEN_POLICY":
		return config.Index.FrozenPolicy
	case "CONSTRAIN_DEBUG":
		return config.Logging.Debug
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# constrain configuration file
# Environment variables take precedence over the values in this file.

[server]
# Network binding address (default: "127.0.0.1:11435")
host = "127.0.0.1:11435"
# Allowed CORS origins
origins = ["http://localhost:3000"]
# Number of indexes kept in memory (default: 64)
cache_size = 64

[grammar]
# Pattern inserted between JSON tokens (default: "[ ]?")
whitespace = "[ ]?"
# Expansions of a recursive $ref (default: 3)
max_recursion = 3

[index]
# States scanned concurrently while indexing (default: 1)
workers = 4
# Maximum automaton states (default: 100000)
max_states = 100000
# Frozen token policy: "match", "reject", "final" or "allow" (default: "match")
frozen_policy = "match"

[logging]
# "1" for debug, "2" for trace (default: "0")
debug = "0"
`
}
