package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/auth"
	"github.com/nv259/tensor2struct/server/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *api.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := &Server{store: db}
	h, err := s.GenerateRoutes()
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return srv, api.NewClient(base, srv.Client())
}

func TestRunLifecycle(t *testing.T) {
	_, client := newTestServer(t)
	ctx := t.Context()

	require.NoError(t, client.Heartbeat(ctx))

	created, err := client.CreateRun(ctx, &api.CreateRunRequest{
		Name:   "spider-bmaml",
		Kind:   "bayesian_meta_train",
		Config: json.RawMessage(`{"kind":"bayesian_meta_train"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	require.NoError(t, client.LogMetrics(ctx, created.ID, []api.Metric{
		{Step: 10, Name: "train_loss", Value: 0.5},
		{Step: 10, Name: "outer_lr_0", Value: 1e-4},
		{Step: 20, Name: "train_loss", Value: 0.25},
	}))

	run, err := client.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 20, run.Step)

	losses, err := client.Metrics(ctx, created.ID, "train_loss")
	require.NoError(t, err)
	require.Len(t, losses.Metrics, 2)
	require.Equal(t, 0.25, losses.Metrics[1].Value)

	runs, err := client.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1)
}

func TestCreateRunValidation(t *testing.T) {
	_, client := newTestServer(t)
	ctx := t.Context()

	_, err := client.CreateRun(ctx, &api.CreateRunRequest{Kind: "train"})
	var statusErr api.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)

	_, err = client.CreateRun(ctx, &api.CreateRunRequest{ID: "not-a-uuid", Name: "x", Kind: "train"})
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
}

func TestUnknownRunReturns404(t *testing.T) {
	_, client := newTestServer(t)
	ctx := t.Context()

	_, err := client.GetRun(ctx, "499b1290-68f0-4804-b894-0a48e11078f5")
	var statusErr api.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)

	err = client.LogMetrics(ctx, "499b1290-68f0-4804-b894-0a48e11078f5", []api.Metric{{Step: 1, Name: "train_loss", Value: 1}})
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestAllowedHostsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	defer db.Close()

	// bound to loopback, so foreign Host headers are refused
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8765}
	s := &Server{addr: addr, store: db}
	h, err := s.GenerateRoutes()
	require.NoError(t, err)

	cases := []struct {
		host string
		want int
	}{
		{"localhost:8765", http.StatusOK},
		{"127.0.0.1:8765", http.StatusOK},
		{"tracker.internal", http.StatusOK},
		{"evil.example.com", http.StatusForbidden},
	}

	for _, tt := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = tt.host
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, tt.want, w.Code, "host %q", tt.host)
	}
}

func TestSignedRequestsRequired(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("T2S_AUTH", "1")
	require.NoError(t, auth.InitKeypair())

	srv, client := newTestServer(t)
	ctx := t.Context()

	// the api client signs its requests, so it passes verification
	_, err := client.CreateRun(ctx, &api.CreateRunRequest{Name: "signed", Kind: "train"})
	require.NoError(t, err)

	// a bare request carries no signature and is refused
	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var authErr api.AuthorizationError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&authErr))
	require.Empty(t, authErr.PublicKey)
}
