package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"agent_connected": true,
			"uptime_seconds":  123,
		})
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Status(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, resp.AgentConnected)
	assert.Equal(t, float64(123), resp.Raw["uptime_seconds"])
}

func TestStatusUnreachable(t *testing.T) {
	c := NewClient()
	_, err := c.Status(context.Background(), "http://127.0.0.1:1")
	assert.Error(t, err)
}

func TestActionSendsIdempotencyKey(t *testing.T) {
	var got ActionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/action", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Action(context.Background(), srv.URL, &ActionRequest{
		Action:         "shell",
		Params:         map[string]any{"cmd": "uptime"},
		Confirmed:      true,
		TaskID:         "t1",
		IdempotencyKey: "token-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "shell", got.Action)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "token-abc", got.IdempotencyKey)
	assert.True(t, got.Confirmed)
}

func TestActionClassification(t *testing.T) {
	zero, nonzero := 0, 2

	tests := []struct {
		name      string
		resp      ActionResponse
		succeeded bool
	}{
		{"status ok no result", ActionResponse{Status: "ok"}, true},
		{"status success zero code", ActionResponse{Status: "success", Result: &ActionResult{ReturnCode: &zero}}, true},
		{"status ok nonzero code", ActionResponse{Status: "ok", Result: &ActionResult{ReturnCode: &nonzero}}, false},
		{"status error", ActionResponse{Status: "error", Error: "boom"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.succeeded, tt.resp.Succeeded())
		})
	}
}

func TestActionErrorString(t *testing.T) {
	code := 3

	withError := &ActionResponse{Status: "error", Error: "explicit failure"}
	assert.Equal(t, "explicit failure", withError.ErrorString())

	withCode := &ActionResponse{
		Status: "ok",
		Result: &ActionResult{ReturnCode: &code, Stderr: "segfault"},
	}
	assert.Equal(t, "gateway action exited with code 3: segfault", withCode.ErrorString())

	plain := &ActionResponse{Status: "weird"}
	assert.Contains(t, plain.ErrorString(), `"weird"`)
}

func TestActionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal gateway failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Action(context.Background(), srv.URL, &ActionRequest{Action: "shell"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Contains(t, err.Error(), "internal gateway failure")
}

func TestActionInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Action(context.Background(), srv.URL, &ActionRequest{Action: "shell"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding gateway response")
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://gw:8100/status", joinURL("http://gw:8100", "/status"))
	assert.Equal(t, "http://gw:8100/status", joinURL("http://gw:8100/", "/status"))
}
