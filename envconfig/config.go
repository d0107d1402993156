// Package envconfig reads ambient configuration from T2S_* environment
// variables. Run-specific hyperparameters live in the config file (see the
// config package); everything here is machine- or user-level.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Host returns the scheme and host of the experiment tracker.
// Configurable via T2S_HOST. Default: http://127.0.0.1:8765
func Host() *url.URL {
	defaultPort := "8765"

	s := strings.TrimSpace(Var("T2S_HOST"))
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

// AllowedOrigins returns the CORS origins the tracker server accepts.
// Configurable via T2S_ORIGINS (comma-separated); loopback origins are
// always allowed.
func AllowedOrigins() (origins []string) {
	if s := Var("T2S_ORIGINS"); s != "" {
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

// Runs returns the directory where run logs, metrics and checkpoints are
// written. Configurable via T2S_RUNS. Default: $HOME/.tensor2struct/runs
func Runs() string {
	if s := Var("T2S_RUNS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".tensor2struct", "runs")
}

// Models returns the directory for cached model artifacts such as imported
// pretrained embeddings. Configurable via T2S_MODELS.
// Default: $HOME/.tensor2struct/models
func Models() string {
	if s := Var("T2S_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".tensor2struct", "models")
}

// Seed returns the global random seed used when the config file does not set
// one. Configurable via T2S_SEED. Default: 1
func Seed() int64 {
	if s := Var("T2S_SEED"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid seed, using default", "value", s, "default", 1)
	}
	return 1
}

// Threads returns the number of worker goroutines for dataset loading.
// Configurable via T2S_THREADS. 0 or unset means one per CPU.
func Threads() int {
	if s := Var("T2S_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid thread count, using default", "value", s)
	}
	return runtime.NumCPU()
}

// Offline reports whether metric emission to the remote tracker is disabled.
// Configurable via T2S_OFFLINE. Runs still log to the run directory.
func Offline() bool {
	return Bool("T2S_OFFLINE")()
}

// UseAuth reports whether tracker requests are signed with the local key.
// Configurable via T2S_AUTH.
func UseAuth() bool {
	return Bool("T2S_AUTH")()
}

// LogLevel returns the logging level.
// Configurable via T2S_DEBUG: 0/false = INFO (default), 1/true = DEBUG,
// 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("T2S_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Bool returns a function that reads k as a boolean (default false).
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

// String returns a function that reads k as a string.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a function that reads key as a uint with a default.
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

// EnvVar is one environment variable with its current value and doc string.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognized environment variable with its current
// value, for usage text and the startup config log line.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"T2S_DEBUG":   {"T2S_DEBUG", LogLevel(), "Show additional debug information (e.g. T2S_DEBUG=1)"},
		"T2S_HOST":    {"T2S_HOST", Host(), "Address of the experiment tracker (default 127.0.0.1:8765)"},
		"T2S_RUNS":    {"T2S_RUNS", Runs(), "The path to the runs directory"},
		"T2S_MODELS":  {"T2S_MODELS", Models(), "The path to cached model artifacts"},
		"T2S_SEED":    {"T2S_SEED", Seed(), "Global random seed when the config does not set one"},
		"T2S_THREADS": {"T2S_THREADS", Threads(), "Worker goroutines for dataset loading (default: one per CPU)"},
		"T2S_OFFLINE": {"T2S_OFFLINE", Offline(), "Do not send metrics to the remote tracker"},
		"T2S_AUTH":    {"T2S_AUTH", UseAuth(), "Sign tracker requests with the local key; verify them on the server"},
		"T2S_ORIGINS": {"T2S_ORIGINS", AllowedOrigins(), "A comma separated list of additional allowed origins"},
	}
}

// Values returns every configuration value as a string map.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var reads an environment variable, trimming space and surrounding quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
