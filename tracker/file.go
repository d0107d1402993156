package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const metricsFile = "metrics.jsonl"

// metricRecord is one line of the run directory metrics log.
type metricRecord struct {
	Step   int       `json:"step"`
	Name   string    `json:"name"`
	Value  float64   `json:"value"`
	Logged time.Time `json:"logged_at"`
}

// File returns a sink appending metrics to <dir>/metrics.jsonl, one JSON
// object per metric. The file survives crashes up to the last completed
// write; no buffering beyond the OS.
func File(dir string) (Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, metricsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}

	return &fileSink{f: f, enc: json.NewEncoder(f)}, nil
}

type fileSink struct {
	f   *os.File
	enc *json.Encoder
}

func (s *fileSink) Log(step int, metrics Metrics) {
	now := time.Now().UTC()
	for _, name := range metrics.names() {
		rec := metricRecord{Step: step, Name: name, Value: metrics[name], Logged: now}
		if err := s.enc.Encode(rec); err != nil {
			slog.Warn("could not append to metrics log", "error", err)
			return
		}
	}
}

func (s *fileSink) Finish() {
	if err := s.f.Close(); err != nil {
		slog.Warn("could not close metrics log", "error", err)
	}
}
