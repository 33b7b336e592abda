package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Authenticator resolves a presented credential to an identity.
type Authenticator interface {
	AuthenticateSocket(ctx context.Context, token string) (Identity, error)
}

const bearerProtocol = "bearer"

// Handler upgrades authenticated requests and hands them to the hub.
// Authentication happens before the upgrade, so a bad credential never
// reaches room state.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	cfg      ConnConfig
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

// NewHandler builds the /ws handler. allowedOrigin "*" or "" accepts any origin.
func NewHandler(ctx context.Context, hub *Hub, auth Authenticator, cfg ConnConfig, allowedOrigin string) *Handler {
	cfg.norm()
	return &Handler{
		hub:     hub,
		auth:    auth,
		cfg:     cfg,
		baseCtx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{bearerProtocol},
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := SocketToken(r)
	if token == "" {
		refuse(w, "missing credential")
		return
	}
	identity, err := h.auth.AuthenticateSocket(r.Context(), token)
	if err != nil {
		h.hub.logger.Info("handshake refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		refuse(w, "invalid or expired credential")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.hub.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	h.hub.Serve(h.baseCtx, ws, identity, h.cfg)
}

// SocketToken finds the access token in the query string, the Authorization
// header, or a "bearer, <token>" Sec-WebSocket-Protocol list.
func SocketToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	protocols := websocket.Subprotocols(r)
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}
	return ""
}

func refuse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": "unauthorized", "error": message})
}
