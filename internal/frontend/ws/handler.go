package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/cory-johannsen/collabd/internal/config"
	"github.com/cory-johannsen/collabd/internal/hook"
	"github.com/cory-johannsen/collabd/internal/permission"
	"github.com/cory-johannsen/collabd/internal/session"
)

// Profile is the user data stored with every session created over HTTP.
type Profile struct {
	Role       string `json:"role"`
	RemoteAddr string `json:"remote_addr"`
}

// SessionResponse is returned by POST /session.
type SessionResponse struct {
	UID         string            `json:"uid"`
	Role        string            `json:"role"`
	Permissions map[string]string `json:"permissions"`
	ReadOnly    bool              `json:"read_only"`
	Connections int               `json:"connections"`
}

// PermissionsResponse is returned by GET /permissions.
type PermissionsResponse struct {
	UID         string            `json:"uid"`
	Registered  bool              `json:"registered"`
	Permissions map[string]string `json:"permissions"`
	ReadOnly    bool              `json:"read_only"`
}

// Handler serves the session endpoints and the WebSocket upgrade.
//
// Identities are taken from trusted request headers set by an authenticating
// proxy in front of the server.
type Handler struct {
	registry *session.Registry
	resolver *permission.Resolver
	sessCfg  config.SessionConfig
	wsCfg    config.WebSocketConfig
	logger   *zap.Logger

	upgrader websocket.Upgrader
	router   *httprouter.Router
}

// NewHandler creates a Handler.
//
// Precondition: registry, resolver and logger must be non-nil; the configs must be valid.
// Postcondition: Returns a Handler with all routes registered.
func NewHandler(registry *session.Registry, resolver *permission.Resolver, sessCfg config.SessionConfig, wsCfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		registry: registry,
		resolver: resolver,
		sessCfg:  sessCfg,
		wsCfg:    wsCfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		router: httprouter.New(),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.router.POST("/session", h.handleCreateSession)
	h.router.DELETE("/session", h.handleDeleteSession)
	h.router.GET("/ws", h.handleWebSocket)
	h.router.GET("/permissions", h.handlePermissions)
	h.router.GET("/users", h.handleUsers)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) identity(r *http.Request) string {
	return r.Header.Get(h.sessCfg.UserHeader)
}

// handleCreateSession registers the caller, or replaces the permissions of
// an existing session when the caller re-authenticates.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uid := h.identity(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	role := r.Header.Get(h.sessCfg.RoleHeader)
	if role == "" {
		role = h.sessCfg.DefaultRole
	}
	perms, err := h.resolver.Resolve(role)
	if err != nil {
		h.logger.Warn("session rejected",
			zap.String("uid", uid),
			zap.String("role", role),
			zap.Error(err),
		)
		writeError(w, http.StatusForbidden, fmt.Sprintf("unknown role %q", role))
		return
	}

	sess := h.registry.AddUser(uid, perms, Profile{Role: role, RemoteAddr: r.RemoteAddr})
	writeJSON(w, http.StatusOK, SessionResponse{
		UID:         uid,
		Role:        role,
		Permissions: perms.Values(),
		ReadOnly:    perms.ReadOnly(),
		Connections: sess.ConnectionCount(),
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uid := h.identity(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if sess, ok := h.registry.GetUser(uid); ok {
		h.registry.RemoveUser(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket upgrades the request and attaches the socket to the
// caller's session. An optional "message" query parameter is handled as the
// first inbound message. Callers without a session receive a 401 error
// message and the socket is closed.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uid := h.identity(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws, h.wsCfg, h.logger)
	ctx := r.Context()

	var initial []byte
	if m := r.URL.Query().Get("message"); m != "" {
		initial = []byte(m)
	}

	sess, err := h.registry.AddClientConnection(ctx, uid, conn, initial)
	if err != nil {
		if errors.Is(err, session.ErrNoSuchSession) {
			_ = conn.Send(ctx, hook.ErrorReply(hook.CodeUnauthorized, "No session for user "+uid))
		} else {
			h.logger.Warn("initial message failed", zap.String("uid", uid), zap.Error(err))
		}
		_ = conn.Close()
		if sess != nil {
			h.registry.HandleDisconnect(ctx, sess, conn)
		}
		conn.Wait()
		return
	}

	conn.ReadLoop(func(msg []byte) error {
		return h.registry.HandleMessage(ctx, sess, conn, msg)
	})
	h.registry.HandleDisconnect(ctx, sess, conn)
	conn.Wait()
}

func (h *Handler) handlePermissions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	uid := h.identity(r)
	perms := h.registry.GetPermissions(uid)
	writeJSON(w, http.StatusOK, PermissionsResponse{
		UID:         uid,
		Registered:  h.registry.HasUser(uid),
		Permissions: perms.Values(),
		ReadOnly:    perms.ReadOnly(),
	})
}

func (h *Handler) handleUsers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, hook.Describe(h.registry.Users()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, hook.ErrorMessage{Type: hook.TypeError, Code: status, Message: message})
}
