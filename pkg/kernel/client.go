// Package kernel is the HTTP client for the mission kernel. The dispatcher
// and the workers are separate processes; everything they need from the
// kernel goes through this client.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

var (
	// ErrNoMissions means the claim found nothing to work on.
	ErrNoMissions = errors.New("no missions available")
	// ErrStaleLease means the mission moved on under another lease.
	ErrStaleLease = errors.New("mission lease is stale")
	// ErrNotFound maps the kernel's 404 responses.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx kernel response that is not one of the sentinel
// conditions above.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("kernel returned HTTP %d: %s (%s)", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("kernel returned HTTP %d: %s", e.Status, e.Message)
}

// Config configures the kernel client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one kernel instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a kernel client. BaseURL is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("kernel client: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.With("component", "kernel_client"),
	}, nil
}

// OverrideHTTPClientForTest replaces the underlying HTTP client.
// For testing only.
func (c *Client) OverrideHTTPClientForTest(httpClient *http.Client) {
	c.httpClient = httpClient
}

// SubmitMission submits a mission request. The second return value is false
// when the kernel deduplicated against an active mission with the same
// idempotency key; the returned mission is then the existing one.
func (c *Client) SubmitMission(ctx context.Context, req *models.MissionRequest) (*models.Mission, bool, error) {
	var mission models.Mission
	status, err := c.do(ctx, http.MethodPost, "/missions", req, &mission,
		http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, false, err
	}
	return &mission, status == http.StatusCreated, nil
}

// ClaimMission asks for one pending mission matching the goals. Returns
// ErrNoMissions when the queue has nothing claimable.
func (c *Client) ClaimMission(ctx context.Context, agentName string, goals []string) (*models.Mission, error) {
	var mission models.Mission
	status, err := c.do(ctx, http.MethodPost, "/missions/claim",
		models.ClaimRequest{AgentName: agentName, Goals: goals}, &mission,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, ErrNoMissions
	}
	return &mission, nil
}

// GetMission fetches one mission by id.
func (c *Client) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	var mission models.Mission
	_, err := c.do(ctx, http.MethodGet, "/missions/"+url.PathEscape(missionID), nil, &mission, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &mission, nil
}

// HeartbeatBody is the lease-extension request.
type HeartbeatBody struct {
	LeaseID   string `json:"leaseId"`
	AgentName string `json:"agentName,omitempty"`
}

// Heartbeat extends the lease. Returns ErrStaleLease when the lease no
// longer holds the mission.
func (c *Client) Heartbeat(ctx context.Context, missionID, leaseID string) error {
	path := "/missions/" + url.PathEscape(missionID) + "/heartbeat"
	_, err := c.do(ctx, http.MethodPost, path, HeartbeatBody{LeaseID: leaseID}, nil, http.StatusOK)
	return err
}

// CompleteBody finishes a mission under a lease.
type CompleteBody struct {
	LeaseID    string         `json:"leaseId"`
	Summary    string         `json:"summary,omitempty"`
	ResultMeta models.JSONMap `json:"resultMeta,omitempty"`
}

// CompleteMission marks the mission COMPLETED.
func (c *Client) CompleteMission(ctx context.Context, missionID, leaseID string, resultMeta models.JSONMap) error {
	path := "/missions/" + url.PathEscape(missionID) + "/complete"
	_, err := c.do(ctx, http.MethodPost, path,
		CompleteBody{LeaseID: leaseID, ResultMeta: resultMeta}, nil, http.StatusOK)
	return err
}

// FailBody reports a mission failure under a lease.
type FailBody struct {
	LeaseID   string `json:"leaseId"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// FailMission reports a failure; retryable failures re-queue the mission
// until its attempts run out.
func (c *Client) FailMission(ctx context.Context, missionID, leaseID, errMsg, details string, retryable bool) error {
	path := "/missions/" + url.PathEscape(missionID) + "/fail"
	_, err := c.do(ctx, http.MethodPost, path,
		FailBody{LeaseID: leaseID, Error: errMsg, Details: details, Retryable: retryable}, nil, http.StatusOK)
	return err
}

// SubmitTrace stores an execution trace. Duplicate trace ids are treated as
// success; the first write won and the content is identical.
func (c *Client) SubmitTrace(ctx context.Context, trace *models.Trace) error {
	_, err := c.do(ctx, http.MethodPost, "/traces", trace, nil,
		http.StatusCreated, http.StatusConflict)
	return err
}

// StoreReport persists a rendered report. Storing the same (sessionId, kind)
// again returns the original row.
func (c *Client) StoreReport(ctx context.Context, report *models.Report) (*models.Report, error) {
	var stored models.Report
	_, err := c.do(ctx, http.MethodPost, "/reports", report, &stored,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetReportBySession looks up a stored report. kind may be empty to match
// any kind. Returns ErrNotFound when no report exists yet.
func (c *Client) GetReportBySession(ctx context.Context, sessionID, kind string) (*models.Report, error) {
	path := "/reports/by-session/" + url.PathEscape(sessionID)
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var report models.Report
	_, err := c.do(ctx, http.MethodGet, path, nil, &report, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ProposeCommand files a roaster command proposal with the kernel.
func (c *Client) ProposeCommand(ctx context.Context, req *models.ProposalRequest) (*models.CommandProposal, error) {
	var proposal models.CommandProposal
	_, err := c.do(ctx, http.MethodPost, "/proposals", req, &proposal, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

// Healthy pings the kernel's liveness endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK)
	return err
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// do runs one request. ok lists the statuses the caller handles; anything
// else maps to a sentinel or an *APIError. When out is non-nil and the
// response has a body, it is decoded into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any, ok ...int) (int, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, status := range ok {
		if resp.StatusCode == status {
			accepted = true
			break
		}
	}
	if !accepted {
		return resp.StatusCode, c.mapError(method, path, resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response from %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) mapError(method, path string, resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrStaleLease, body.Error)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error, Details: body.Details}
}
