// Package tracker records training metrics. A [Run] fans each reported
// step out to its sinks: the process log, a JSONL file in the run
// directory, and (unless offline) the tracker server. Sinks must never
// block or fail training; the remote sink drops batches it cannot deliver.
package tracker

import (
	"log/slog"
	"slices"
)

// Metrics is one batch of scalar observations at a training step.
type Metrics map[string]float64

// names returns the metric names in stable order.
func (m Metrics) names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Tracker is a sink for training metrics. Log must not block the training
// loop. Finish flushes and releases the sink; no Log may follow it.
type Tracker interface {
	Log(step int, metrics Metrics)
	Finish()
}

// Multi fans metrics out to every sink.
func Multi(sinks ...Tracker) Tracker {
	return multi(sinks)
}

type multi []Tracker

func (m multi) Log(step int, metrics Metrics) {
	for _, t := range m {
		t.Log(step, metrics)
	}
}

func (m multi) Finish() {
	for _, t := range m {
		t.Finish()
	}
}

// Slog returns a sink that writes metrics to the process log, one line per
// step with the metric names as attributes.
func Slog() Tracker {
	return slogSink{}
}

type slogSink struct{}

func (slogSink) Log(step int, metrics Metrics) {
	args := make([]any, 0, 2+2*len(metrics))
	args = append(args, "step", step)
	for _, name := range metrics.names() {
		args = append(args, name, metrics[name])
	}
	slog.Info("metrics", args...)
}

func (slogSink) Finish() {}
