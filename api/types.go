package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nv259/tensor2struct/sysinfo"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the tracker server logs for details"
	}
}

// AuthorizationError is returned when the server rejects a request signature.
type AuthorizationError struct {
	StatusCode int
	Status     string
	PublicKey  string `json:"public_key"`
}

func (e AuthorizationError) Error() string {
	if e.Status != "" {
		return e.Status
	}
	return "request was not authorized, check the tracker server key allowlist"
}

// Run is one training run registered with the tracker. The config snapshot
// is stored verbatim so a run can be reproduced from the tracker alone.
type Run struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	Host      *sysinfo.Host   `json:"host,omitempty"`
	Step      int             `json:"step"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Metric is a single scalar observation at a training step.
type Metric struct {
	RunID string  `json:"run_id,omitempty"`
	Step  int     `json:"step"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// CreateRunRequest registers a new run. The client supplies the run ID so
// that offline runs and tracked runs share one identifier scheme; the
// server generates one when it is empty.
type CreateRunRequest struct {
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
	Host   *sysinfo.Host   `json:"host,omitempty"`
}

// LogMetricsRequest appends a batch of metrics to a run.
type LogMetricsRequest struct {
	Metrics []Metric `json:"metrics"`
}

// ListRunsResponse is the response of [Client.ListRuns].
type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}

// MetricsResponse is the response of [Client.Metrics].
type MetricsResponse struct {
	Metrics []Metric `json:"metrics"`
}

// VersionResponse reports the tracker server build version.
type VersionResponse struct {
	Version string `json:"version"`
}
