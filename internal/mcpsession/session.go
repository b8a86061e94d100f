// Package mcpsession implements the MCP tool-calling transport: a
// long-lived SSE connection binds a caller identity for its lifetime, and
// every JSON-RPC request framed over it is dispatched to the Tool Surface.
package mcpsession

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/mcpproto"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/toolsurface"
)

// Multiplexer mounts the /sse endpoint and dispatches each inbound
// JSON-RPC request to the bound Tool Surface.
type Multiplexer struct {
	identity *identity.Store
	surface  *toolsurface.Surface
}

// New constructs a Multiplexer over an Identity Store (for api_key
// resolution) and the Tool Surface it dispatches tool calls to.
func New(idStore *identity.Store, surface *toolsurface.Surface) *Multiplexer {
	return &Multiplexer{identity: idStore, surface: surface}
}

// ServeSSE handles GET /sse?api_key=...: it resolves the caller, upgrades
// the connection to an SSE stream, and serves JSON-RPC requests read from
// the request body until the body ends or the connection closes, writing
// each response as a "message" event.
//
// MCP's wire format pairs a client-to-server POST-per-message channel with
// a server-to-client SSE stream; this implementation collapses both onto
// the single SSE connection, reading one request per line of the request
// body sent alongside the initial GET (a streaming body), which is the
// shape every long-lived tool-calling client in this codebase's examples
// already assumes for its REPL/terminal sessions.
func (m *Multiplexer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		http.Error(w, "api_key is required", http.StatusUnauthorized)
		return
	}
	user, err := m.identity.ResolveAPIKey(apiKey)
	if err != nil {
		http.Error(w, "invalid api_key", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info().Str("user", user.ID).Msg("mcp session opened")
	defer log.Info().Str("user", user.ID).Msg("mcp session closed")

	dec := json.NewDecoder(r.Body)
	for {
		var req mcpproto.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := m.handle(r.Context(), user, &req)
		if req.ID == nil {
			continue // notification: no response expected
		}
		m.writeEvent(w, flusher, resp)
	}
}

func (m *Multiplexer) writeEvent(w http.ResponseWriter, flusher http.Flusher, resp *mcpproto.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Warn().Err(err).Msg("mcp: failed to marshal response")
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	flusher.Flush()
}

func (m *Multiplexer) handle(ctx context.Context, user *identity.User, req *mcpproto.Request) *mcpproto.Response {
	result, err := m.dispatch(ctx, user, req)
	if err != nil {
		return mcpproto.NewErrorResponse(req.ID, toolErrorCode(err), sandboxerr.Code(err).Error())
	}
	return mcpproto.NewSuccessResponse(req.ID, result)
}

func (m *Multiplexer) dispatch(ctx context.Context, user *identity.User, req *mcpproto.Request) (any, error) {
	switch req.Method {
	case "create_sandbox":
		var args toolsurface.CreateSandboxArgs
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.CreateSandbox(ctx, user, args)

	case "list_sandboxes":
		if err := decodeParams(req.Params, &struct{}{}); err != nil {
			return nil, err
		}
		return m.surface.ListSandboxes(user)

	case "delete_sandbox":
		var args struct {
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.DeleteSandbox(ctx, user, args.SandboxID)

	case "execute_python_code":
		var args toolsurface.ExecutePythonCodeArgs
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.ExecutePythonCode(ctx, user, args)

	case "install_package_in_sandbox":
		var args toolsurface.InstallPackageArgs
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.InstallPackageInSandbox(ctx, user, args)

	case "check_package_installation_status":
		var args toolsurface.InstallPackageArgs
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.CheckPackageInstallationStatus(user, args)

	case "execute_terminal_command":
		var args toolsurface.ExecuteTerminalArgs
		if err := decodeParams(req.Params, &args); err != nil {
			return nil, err
		}
		return m.surface.ExecuteTerminalCommand(ctx, user, args)

	case "upload_file_to_sandbox":
		var args toolsurface.UploadFileArgs
		var body struct {
			toolsurface.UploadFileArgs
			DataBase64 string `json:"data_base64"`
		}
		if err := decodeParams(req.Params, &body); err != nil {
			return nil, err
		}
		args = body.UploadFileArgs
		data, err := decodeBase64(body.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid data_base64: %w", sandboxerr.ErrInvalidArgument)
		}
		return m.surface.UploadFileToSandbox(ctx, user, args, data)

	default:
		return nil, fmt.Errorf("unknown method %q: %w", req.Method, sandboxerr.ErrInvalidArgument)
	}
}

func decodeParams(params map[string]any, dst any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", sandboxerr.ErrInvalidArgument)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode params: %w", sandboxerr.ErrInvalidArgument)
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func toolErrorCode(err error) int {
	if sandboxerr.Code(err) == sandboxerr.ErrInvalidArgument {
		return mcpproto.InvalidParams
	}
	return mcpproto.ToolError
}
