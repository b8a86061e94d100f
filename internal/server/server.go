// Package server implements the REST mount: account management, sandbox
// CRUD, and published-file serving. Tool invocations (execute_python_code,
// install_package_in_sandbox, and the rest of the Tool Surface) are not
// REST routes; they are reached only through the MCP session multiplexer.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/agentserver/sandboxd/internal/coordinator"
	"github.com/agentserver/sandboxd/internal/identity"
	"github.com/agentserver/sandboxd/internal/publish"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// Server holds the dependencies the REST mount dispatches to.
type Server struct {
	Identity    *identity.Store
	OIDC        *identity.OIDCManager
	Coordinator *coordinator.Coordinator
	Publisher   *publish.Publisher
}

// New constructs a Server. oidcMgr may be nil when no provider is configured.
func New(idStore *identity.Store, oidcMgr *identity.OIDCManager, coord *coordinator.Coordinator, pub *publish.Publisher) *Server {
	return &Server{Identity: idStore, OIDC: oidcMgr, Coordinator: coord, Publisher: pub}
}

type contextKey string

const userKey contextKey = "user"

// Router builds the chi mux for the REST surface described in the external
// interfaces section: registration, bearer-token issuance, account/API-key
// management, sandbox CRUD, and capability-URL file serving.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/api/register", s.handleRegister)
	r.Post("/api/token", s.handleToken)

	if s.OIDC != nil {
		r.Get("/api/auth/oidc/providers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"providers": s.OIDC.ProviderNames()})
		})
		r.Get("/api/auth/oidc/{provider}/login", func(w http.ResponseWriter, r *http.Request) {
			s.OIDC.HandleLogin(w, r, chi.URLParam(r, "provider"))
		})
		r.Get("/api/auth/oidc/{provider}/callback", func(w http.ResponseWriter, r *http.Request) {
			token, err := s.OIDC.HandleCallback(w, r, chi.URLParam(r, "provider"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
		})
	}

	// Capability URL: no bearer auth, the path itself is the secret.
	r.Get("/sandbox/file/{sandboxID}/*", s.handleFetchFile)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Get("/api/users/me", s.handleMe)
		r.Get("/api/users/me/api-key", s.handleGetAPIKey)
		r.Post("/api/users/me/api-key/regenerate", s.handleRegenerateAPIKey)
		r.Get("/api/users/me/sandboxes", s.handleListSandboxes)
		r.Post("/api/users/me/sandboxes", s.handleCreateSandbox)
		r.Delete("/api/users/me/sandboxes/{id}", s.handleDeleteSandbox)
	})

	return r
}

// bearerAuth resolves the Authorization: Bearer <token> header to a user
// and injects it into the request context.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, sandboxerr.ErrNotAuthorized)
			return
		}
		user, err := s.Identity.ResolveToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey).(*identity.User)
	return u
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, sandboxerr.ErrInvalidArgument)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, sandboxerr.ErrInvalidArgument)
		return
	}
	user, err := s.Identity.Register(req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id": user.ID, "username": user.Username, "email": user.Email,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, sandboxerr.ErrInvalidArgument)
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")
	user, err := s.Identity.VerifyPassword(username, password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.Identity.IssueToken(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id": user.ID, "username": user.Username, "email": user.Email,
		"display_name": user.DisplayName, "is_active": user.IsActive,
		"created_at": user.CreatedAt.Format(timeLayout),
	})
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	key, err := s.Identity.APIKeyFor(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	key, err := s.Identity.RegenerateAPIKey(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	sandboxes, err := s.Coordinator.ListSandboxes(user)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(sandboxes))
	for _, sbx := range sandboxes {
		out = append(out, map[string]any{"id": sbx.ID, "name": sbx.Name, "created_at": sbx.CreatedAt.Format(timeLayout)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": out})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, sandboxerr.ErrInvalidArgument)
			return
		}
	}
	sbx, err := s.Coordinator.CreateSandbox(r.Context(), user, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": sbx.ID, "name": sbx.Name, "created_at": sbx.CreatedAt.Format(timeLayout),
	})
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.Coordinator.DeleteSandbox(r.Context(), user, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFetchFile(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	relativePath := chi.URLParam(r, "*")
	data, contentType, err := s.Publisher.Fetch(sandboxID, relativePath)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		log.Warn().Err(err).Str("sandbox", sandboxID).Msg("failed writing file response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed encoding json response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, sandboxerr.HTTPStatus(err), map[string]string{"error": sandboxerr.Code(err).Error()})
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
