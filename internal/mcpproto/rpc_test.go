package mcpproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSuccessResponse(t *testing.T) {
	resp := NewSuccessResponse(float64(1), map[string]string{"ok": "true"})
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)
	assert.Equal(t, map[string]string{"ok": "true"}, resp.Result)
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("req-1", InvalidParams, "sandbox_id is required")
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
	assert.Equal(t, "sandbox_id is required", resp.Error.Message)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "req-1", resp.ID)
}

func TestRequestRoundTripsThroughJSON(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"execute_python_code","params":{"sandbox_id":"sbx-1","code":"print(1)"},"id":7}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Equal(t, "execute_python_code", req.Method)
	assert.Equal(t, "sbx-1", req.Params["sandbox_id"])
	assert.Equal(t, float64(7), req.ID)
}

func TestNotificationHasNilID(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"ping"}`
	var req Request
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Nil(t, req.ID)
}
