package mcpsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentserver/sandboxd/internal/mcpproto"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/toolsurface"
)

func TestDecodeParamsHappyPath(t *testing.T) {
	params := map[string]any{"sandbox_id": "sbx-1", "code": "print(1)"}
	var args toolsurface.ExecutePythonCodeArgs
	require.NoError(t, decodeParams(params, &args))
	assert.Equal(t, "sbx-1", args.SandboxID)
	assert.Equal(t, "print(1)", args.Code)
}

func TestDecodeParamsRunsValidate(t *testing.T) {
	params := map[string]any{"sandbox_id": "sbx-1"} // code missing
	var args toolsurface.ExecutePythonCodeArgs
	err := decodeParams(params, &args)
	assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
}

func TestDecodeParamsRejectsUnknownFields(t *testing.T) {
	params := map[string]any{"sandbox_id": "sbx-1", "code": "print(1)", "bogus_field": true}
	var args toolsurface.ExecutePythonCodeArgs
	err := decodeParams(params, &args)
	assert.ErrorIs(t, err, sandboxerr.ErrInvalidArgument)
}

func TestDecodeBase64(t *testing.T) {
	data, err := decodeBase64("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = decodeBase64("not-valid-base64!!!")
	assert.Error(t, err)
}

func TestToolErrorCode(t *testing.T) {
	assert.Equal(t, mcpproto.InvalidParams, toolErrorCode(sandboxerr.ErrInvalidArgument))
	assert.Equal(t, mcpproto.ToolError, toolErrorCode(sandboxerr.ErrNotFound))
	assert.Equal(t, mcpproto.ToolError, toolErrorCode(sandboxerr.ErrRuntimeUnavailable))
}
