package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/mcpserver"
	"github.com/entl/mcp-pty/session"
)

const sessionHeader = "mcp-session-id"

const serverVersion = "0.1.0"

// httpSessionState guards the deferred-connect race: a client that sends
// `initialize` immediately after obtaining a session id can produce
// several in-flight requests before the first one finishes connecting.
type httpSessionState struct {
	mu        sync.Mutex
	connected bool
}

// HTTPTransport is the Streaming-HTTP transport with 404-based session
// recovery described for multi-client deployments.
type HTTPTransport struct {
	mgr    *session.Manager
	mcpSrv *server.MCPServer
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*httpSessionState
}

// NewHTTPTransport builds the chi router for the /mcp endpoint.
func NewHTTPTransport(mgr *session.Manager, mcpSrv *server.MCPServer, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{mgr: mgr, mcpSrv: mcpSrv, logger: logger, states: make(map[string]*httpSessionState)}
}

// Router returns the http.Handler to mount, with logging, recovery, and
// CORS middleware matching the documented policy (origin *, mcp-session-id
// exposed for browser clients).
func (t *HTTPTransport) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(t.recoverJSONRPC)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", sessionHeader},
		ExposedHeaders:   []string{sessionHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/mcp", func(r chi.Router) {
		r.Get("/", t.handleGet)
		r.Post("/", t.handlePost)
		r.Delete("/", t.handleDelete)
	})

	return r
}

func (t *HTTPTransport) stateFor(id string) *httpSessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		s = &httpSessionState{}
		t.states[id] = s
	}
	return s
}

func (t *HTTPTransport) dropState(id string) {
	t.mu.Lock()
	delete(t.states, id)
	t.mu.Unlock()
}

// ensureConnected flips a freshly created session from initializing to
// active exactly once, guarded by its own mutex so concurrent first
// requests for the same session id do not race.
func (t *HTTPTransport) ensureConnected(id string) {
	st := t.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.connected {
		return
	}
	t.mgr.UpdateStatus(id, session.StatusActive)
	st.connected = true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonRPCError(code int, message string) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": code, "message": message},
		"id":      nil,
	}
}

func (t *HTTPTransport) mintAndConnect() string {
	id := t.mgr.CreateSession()
	t.ensureConnected(id)
	return id
}

func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)

	if sessionID == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "MCP PTY server is running",
			"version": serverVersion,
		})
		return
	}

	s, ok := t.mgr.GetSession(sessionID)
	if ok && s.Status() != session.StatusTerminated {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"session_id": sessionID,
			"status":     s.Status(),
		})
		return
	}

	newID := t.mintAndConnect()
	w.Header().Set(sessionHeader, newID)
	writeJSON(w, http.StatusNotFound, jsonRPCError(-32001, "Session not found"))
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonRPCError(-32700, "Parse error"))
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, jsonRPCError(-32700, "Parse error"))
		return
	}

	sessionID := r.Header.Get(sessionHeader)

	switch {
	case sessionID == "":
		newID := t.mgr.CreateSession()
		t.ensureConnected(newID)
		t.dispatch(w, r, newID, body)

	default:
		s, ok := t.mgr.GetSession(sessionID)
		if !ok || s.Status() == session.StatusTerminated {
			newID := t.mintAndConnect()
			w.Header().Set(sessionHeader, newID)
			writeJSON(w, http.StatusNotFound, jsonRPCError(-32001, "Session not found"))
			return
		}
		t.ensureConnected(sessionID)
		t.dispatch(w, r, sessionID, body)
	}
}

func (t *HTTPTransport) dispatch(w http.ResponseWriter, r *http.Request, sessionID string, body []byte) {
	ctx := mcpserver.WithSessionID(r.Context(), sessionID)
	resp := t.mcpSrv.HandleMessage(ctx, json.RawMessage(body))

	if r.Context().Err() != nil {
		t.logger.Warn("http connection aborted mid-flight, disposing session", zap.String("session_id", sessionID))
		t.dropState(sessionID)
		t.mgr.DisposeSession(sessionID)
		return
	}

	w.Header().Set(sessionHeader, sessionID)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, jsonRPCError(-32600, "Invalid Request"))
		return
	}
	t.dropState(sessionID)
	t.mgr.DisposeSession(sessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "session_id": sessionID})
}

// recoverJSONRPC maps an unhandled panic to the documented 500/-32603
// shape instead of chi's default plain-text recoverer response.
func (t *HTTPTransport) recoverJSONRPC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("unhandled internal failure", zap.Any("recover", rec))
				writeJSON(w, http.StatusInternalServerError, jsonRPCError(-32603, "Internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
