package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nv259/tensor2struct/api"
)

// queueSize bounds the number of undelivered metric batches. Training is
// never throttled by the tracker server; overflow batches are dropped.
const queueSize = 64

const sendTimeout = 10 * time.Second

// Remote returns a sink that posts metrics to the tracker server from a
// background goroutine. Log never blocks: when the queue is full or the
// server rejects a batch, the batch is dropped with a warning.
func Remote(client *api.Client, runID string) Tracker {
	s := &remoteSink{
		client: client,
		runID:  runID,
		queue:  make(chan []api.Metric, queueSize),
		done:   make(chan struct{}),
	}
	go s.flush()
	return s
}

type remoteSink struct {
	client *api.Client
	runID  string
	queue  chan []api.Metric
	done   chan struct{}
}

func (s *remoteSink) Log(step int, metrics Metrics) {
	batch := make([]api.Metric, 0, len(metrics))
	for _, name := range metrics.names() {
		batch = append(batch, api.Metric{Step: step, Name: name, Value: metrics[name]})
	}

	select {
	case s.queue <- batch:
	default:
		slog.Warn("metric queue full, dropping batch", "run", s.runID, "step", step)
	}
}

func (s *remoteSink) flush() {
	defer close(s.done)
	for batch := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.client.LogMetrics(ctx, s.runID, batch)
		cancel()
		if err != nil {
			slog.Warn("could not send metrics, dropping batch", "run", s.runID, "error", err)
		}
	}
}

// Finish drains the queue and stops the sender. Each in-flight batch is
// still bounded by the send timeout.
func (s *remoteSink) Finish() {
	close(s.queue)
	<-s.done
}
