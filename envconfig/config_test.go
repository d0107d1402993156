package envconfig

import (
	"log/slog"
	"testing"
)

func TestHost(t *testing.T) {
	cases := map[string]string{
		"":                      "http://127.0.0.1:8765",
		"1.2.3.4":               "http://1.2.3.4:8765",
		"1.2.3.4:5678":          "http://1.2.3.4:5678",
		"http://1.2.3.4":        "http://1.2.3.4:80",
		"https://tracker.local": "https://tracker.local:443",
		"0.0.0.0:99999":         "http://0.0.0.0:8765",
		"[::1]:8765":            "http://[::1]:8765",
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("T2S_HOST", value)
			if got := Host().String(); got != want {
				t.Errorf("Host() = %q, want %q", got, want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("T2S_DEBUG", value)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel() = %v, want %v", got, want)
			}
		})
	}
}

func TestSeed(t *testing.T) {
	cases := map[string]int64{
		"":     1,
		"7":    7,
		"-3":   -3,
		"bogus": 1,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("T2S_SEED", value)
			if got := Seed(); got != want {
				t.Errorf("Seed() = %d, want %d", got, want)
			}
		})
	}
}

func TestVar(t *testing.T) {
	cases := map[string]string{
		"value":       "value",
		" value ":     "value",
		`"quoted"`:    "quoted",
		`'quoted'`:    "quoted",
		` "mixed" `:   "mixed",
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("T2S_TEST", value)
			if got := Var("T2S_TEST"); got != want {
				t.Errorf("Var() = %q, want %q", got, want)
			}
		})
	}
}
