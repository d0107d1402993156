package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(base, srv.Client())
}

func TestCreateRunRoundTrip(t *testing.T) {
	want := Run{
		ID:        "0d9c7a2e-8f3b-4f55-9d35-1f6a2f9f7f10",
		Name:      "spider-bmaml",
		Kind:      "bayesian_meta_train",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Name != want.Name || req.Kind != want.Kind {
			t.Errorf("got request %+v", req)
		}

		json.NewEncoder(w).Encode(want)
	})

	got, err := client.CreateRun(t.Context(), &CreateRunRequest{Name: "spider-bmaml", Kind: "bayesian_meta_train"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricsNameFilter(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "train_loss" {
			t.Errorf("name = %q, want train_loss", got)
		}
		json.NewEncoder(w).Encode(MetricsResponse{Metrics: []Metric{{Step: 10, Name: "train_loss", Value: 0.5}}})
	})

	mr, err := client.Metrics(t.Context(), "run-1", "train_loss")
	if err != nil {
		t.Fatal(err)
	}
	if len(mr.Metrics) != 1 || mr.Metrics[0].Value != 0.5 {
		t.Errorf("got %+v", mr.Metrics)
	}
}

func TestCheckError(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"ok", http.StatusOK, `{"version":"0.0.0"}`, ""},
		{"status error", http.StatusBadRequest, `{"error":"missing run name"}`, "missing run name"},
		{"plain body", http.StatusInternalServerError, `boom`, "boom"},
		{"unauthorized", http.StatusUnauthorized, `{"public_key":"abc"}`, ""},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Version(t.Context())
			if tt.status == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}

			if tt.status == http.StatusUnauthorized {
				var authErr AuthorizationError
				if !asError(err, &authErr) {
					t.Fatalf("expected AuthorizationError, got %T", err)
				}
				if authErr.PublicKey != "abc" {
					t.Errorf("public key = %q, want abc", authErr.PublicKey)
				}
				return
			}

			var statusErr StatusError
			if !asError(err, &statusErr) {
				t.Fatalf("expected StatusError, got %T", err)
			}
			if statusErr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", statusErr.StatusCode, tt.status)
			}
			if statusErr.ErrorMessage != tt.wantMsg {
				t.Errorf("message = %q, want %q", statusErr.ErrorMessage, tt.wantMsg)
			}
		})
	}
}

func asError[T error](err error, target *T) bool {
	v, ok := err.(T)
	if ok {
		*target = v
	}
	return ok
}
