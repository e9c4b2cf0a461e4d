package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Host returns the scheme and host the server listens on. Host can be
// configured via the CONSTRAIN_HOST environment variable.
// Default is scheme "http" and host "127.0.0.1:11435"
func Host() *url.URL {
	defaultPort := "11435"

	s := strings.TrimSpace(Var("CONSTRAIN_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns a list of allowed origins. AllowedOrigins can be
// configured via the CONSTRAIN_ORIGINS environment variable.
func AllowedOrigins() (origins []string) {
	if s := Var("CONSTRAIN_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CONSTRAIN_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return false
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// Whitespace is the pattern inserted between JSON tokens of compiled schemas.
	Whitespace = String("CONSTRAIN_WHITESPACE")
	// FrozenPolicy names how frozen tokens are indexed: match, reject, final or allow.
	FrozenPolicy = String("CONSTRAIN_FROZEN_POLICY")
	// NoProgress hides the progress spinner on terminals.
	NoProgress = Bool("CONSTRAIN_NOPROGRESS")

	// MaxRecursion bounds the expansion of recursive schema references.
	MaxRecursion = Uint("CONSTRAIN_MAX_RECURSION", 3)
	// MaxStates bounds the size of automata compiled from expressions.
	MaxStates = Uint("CONSTRAIN_MAX_STATES", 100_000)
	// Workers is the number of automaton states scanned concurrently while indexing.
	Workers = Uint("CONSTRAIN_WORKERS", 1)
	// CacheSize is the number of indexes the server keeps in memory.
	CacheSize = Uint("CONSTRAIN_CACHE_SIZE", 64)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CONSTRAIN_DEBUG":         {"CONSTRAIN_DEBUG", LogLevel(), "Show additional debug information (e.g. CONSTRAIN_DEBUG=1)"},
		"CONSTRAIN_HOST":          {"CONSTRAIN_HOST", Host(), "IP Address for the server (default 127.0.0.1:11435)"},
		"CONSTRAIN_ORIGINS":       {"CONSTRAIN_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"CONSTRAIN_WHITESPACE":    {"CONSTRAIN_WHITESPACE", Whitespace(), "Whitespace pattern between JSON tokens (default \"[ ]?\")"},
		"CONSTRAIN_FROZEN_POLICY": {"CONSTRAIN_FROZEN_POLICY", FrozenPolicy(), "Frozen token policy: match, reject, final or allow (default match)"},
		"CONSTRAIN_MAX_RECURSION": {"CONSTRAIN_MAX_RECURSION", MaxRecursion(), "Maximum expansions of a recursive $ref (default 3)"},
		"CONSTRAIN_MAX_STATES":    {"CONSTRAIN_MAX_STATES", MaxStates(), "Maximum automaton states, 0 for no limit (default 100000)"},
		"CONSTRAIN_WORKERS":       {"CONSTRAIN_WORKERS", Workers(), "States scanned concurrently while indexing (default 1)"},
		"CONSTRAIN_CACHE_SIZE":    {"CONSTRAIN_CACHE_SIZE", CacheSize(), "Indexes kept in memory by the server (default 64)"},
		"CONSTRAIN_NOPROGRESS":    {"CONSTRAIN_NOPROGRESS", NoProgress(), "Do not show the progress spinner"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing
// quotes and spaces. Unset variables fall back to the configuration file.
func Var(key string) string {
	if s := strings.Trim(os.Getenv(key), "\"' "); s != "" {
		return s
	}
	return GetConfigValue(key)
}
