package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skynetops/control/pkg/types"
)

// Request timeouts. Actions can legitimately run for minutes on the gateway
// side, so the action timeout must straddle long executions.
const (
	StatusTimeout  = 30 * time.Second
	ActionTimeout  = 150 * time.Second
	maxErrorBody   = 4096
	defaultTimeout = ActionTimeout
)

// Client is a thin JSON client against a gateway's three endpoints:
// GET /status, POST /action, GET /sessions. It never retries; retry is the
// scheduler's decision and the idempotency key lets the gateway deduplicate.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a gateway client
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	AgentConnected bool          `json:"agent_connected"`
	Raw            types.JSONMap `json:"-"`
}

// ActionRequest is the body of POST /action
type ActionRequest struct {
	Action         string        `json:"action"`
	Params         types.JSONMap `json:"params"`
	Confirmed      bool          `json:"confirmed"`
	TaskID         string        `json:"task_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// ActionResult is the inner execution result of a gateway action
type ActionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode *int   `json:"returncode"`
}

// ActionResponse is the body of POST /action. Status plus either Result or
// Error; everything else is opaque and kept in Raw.
type ActionResponse struct {
	Status string        `json:"status"`
	Result *ActionResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Raw    types.JSONMap `json:"-"`
}

// Succeeded classifies the gateway response: status ok/success with a zero
// or absent return code counts as success
func (r *ActionResponse) Succeeded() bool {
	if r.Status != "ok" && r.Status != "success" {
		return false
	}
	if r.Result != nil && r.Result.ReturnCode != nil && *r.Result.ReturnCode != 0 {
		return false
	}
	return true
}

// ErrorString extracts a human-readable failure reason from the response
func (r *ActionResponse) ErrorString() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Result != nil && r.Result.ReturnCode != nil && *r.Result.ReturnCode != 0 {
		msg := fmt.Sprintf("gateway action exited with code %d", *r.Result.ReturnCode)
		if r.Result.Stderr != "" {
			msg += ": " + r.Result.Stderr
		}
		return msg
	}
	return fmt.Sprintf("gateway returned status %q", r.Status)
}

// Status probes GET {host}/status
func (c *Client) Status(ctx context.Context, host string) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	raw, err := c.get(ctx, joinURL(host, "/status"))
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{Raw: raw}
	if v, ok := raw["agent_connected"].(bool); ok {
		resp.AgentConnected = v
	}
	return resp, nil
}

// Action posts to {host}/action and decodes the response. Network errors,
// HTTP status >= 400, and invalid JSON are all raised to the caller.
func (c *Client) Action(ctx context.Context, host string, req *ActionRequest) (*ActionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, ActionTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding action request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(host, "/action"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building action request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling gateway action: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway returned HTTP %d: %s", httpResp.StatusCode, truncate(data))
	}

	var raw types.JSONMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	var resp ActionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	resp.Raw = raw
	return &resp, nil
}

// Sessions lists active sessions on the gateway. Optional endpoint; not
// every gateway implements it.
func (c *Client) Sessions(ctx context.Context, host string) (types.JSONMap, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()
	return c.get(ctx, joinURL(host, "/sessions"))
}

func (c *Client) get(ctx context.Context, url string) (types.JSONMap, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, truncate(data))
	}

	var raw types.JSONMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding gateway response: %w", err)
	}
	return raw, nil
}

func joinURL(host, path string) string {
	return strings.TrimRight(host, "/") + path
}

func truncate(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return string(data)
}
