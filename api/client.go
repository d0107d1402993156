// Package api implements the client-side API for code wishing to talk to
// the tensor2struct experiment tracker. The methods of the [Client] type
// correspond to the tracker REST API; the trainer's remote metric sink and
// the command-line client both use this package to interact with a running
// tracker server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/nv259/tensor2struct/auth"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/version"
)

// Client encapsulates client state for interacting with the tracker
// service. Use [ClientFromEnvironment] to create new Clients.
type Client struct {
	base *url.URL
	http *http.Client
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		authError := AuthorizationError{StatusCode: resp.StatusCode}
		json.Unmarshal(body, &authError)
		return authError
	}

	apiError := StatusError{StatusCode: resp.StatusCode}

	err := json.Unmarshal(body, &apiError)
	if err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// ClientFromEnvironment creates a new [Client] using configuration from the
// environment variable T2S_HOST, which points to the network host and port
// on which the tracker service is listening. The format of this variable is:
//
//	<scheme>://<host>:<port>
//
// If the variable is not specified, a default tracker host and port will be
// used.
func ClientFromEnvironment() (*Client, error) {
	return &Client{
		base: envconfig.Host(),
		http: http.DefaultClient,
	}, nil
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

func getAuthorizationToken(ctx context.Context, challenge string) (string, error) {
	token, err := auth.Sign(ctx, []byte(challenge))
	if err != nil {
		return "", err
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var reqBody io.Reader
	var data []byte
	var err error

	switch reqData := reqData.(type) {
	case io.Reader:
		// reqData is already an io.Reader
		reqBody = reqData
	case nil:
		// noop
	default:
		data, err = json.Marshal(reqData)
		if err != nil {
			return err
		}

		reqBody = bytes.NewReader(data)
	}

	path, query, _ := strings.Cut(path, "?")
	requestURL := c.base.JoinPath(path)
	requestURL.RawQuery = query

	// The challenge covers method, path and a timestamp, matching what the
	// server reconstructs when verifying.
	var token string
	if envconfig.UseAuth() {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		chal := fmt.Sprintf("%s,%s?ts=%s", method, path, now)
		token, err = getAuthorizationToken(ctx, chal)
		if err != nil {
			return err
		}

		q := requestURL.Query()
		q.Set("ts", now)
		requestURL.RawQuery = q.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", fmt.Sprintf("tensor2struct/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	if token != "" {
		request.Header.Set("Authorization", token)
	}

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) > 0 && respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat checks if the server has started and is responsive; if yes, it
// returns nil, otherwise an error.
func (c *Client) Heartbeat(ctx context.Context) error {
	if err := c.do(ctx, http.MethodHead, "/", nil, nil); err != nil {
		return err
	}
	return nil
}

// CreateRun registers a run with the tracker and returns it with its
// server-assigned fields filled in.
func (c *Client) CreateRun(ctx context.Context, req *CreateRunRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs known to the tracker, most recent first.
func (c *Client) ListRuns(ctx context.Context) (*ListRunsResponse, error) {
	var lr ListRunsResponse
	if err := c.do(ctx, http.MethodGet, "/api/runs", nil, &lr); err != nil {
		return nil, err
	}
	return &lr, nil
}

// GetRun fetches a single run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/runs/%s", id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// LogMetrics appends a batch of metrics to a run.
func (c *Client) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	req := LogMetricsRequest{Metrics: metrics}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/runs/%s/metrics", runID), &req, nil)
}

// Metrics fetches the metric history of a run. If name is non-empty only
// that metric is returned.
func (c *Client) Metrics(ctx context.Context, runID, name string) (*MetricsResponse, error) {
	path := fmt.Sprintf("/api/runs/%s/metrics", runID)
	if name != "" {
		path += "?name=" + url.QueryEscape(name)
	}

	var mr MetricsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// Version returns the tracker server version as a string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var vr VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &vr); err != nil {
		return "", err
	}
	return vr.Version, nil
}

// CheckVersionSkew compares the server version against this client and logs
// a warning when they diverge. Mismatched versions are allowed; metric
// payloads are forward-compatible.
func (c *Client) CheckVersionSkew(ctx context.Context) {
	serverVersion, err := c.Version(ctx)
	if err != nil || serverVersion == "" {
		return
	}

	switch semver.Compare("v"+serverVersion, "v"+version.Version) {
	case -1:
		slog.Warn("tracker server is older than this client", "server", serverVersion, "client", version.Version)
	case 1:
		slog.Warn("tracker server is newer than this client", "server", serverVersion, "client", version.Version)
	}
}
