package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"orderline/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth makes the connection safe regardless of origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// registerWebsocket mounts the realtime endpoint. The credential rides in
// the `token` query parameter because browser websocket clients cannot set
// an Authorization header.
func registerWebsocket(router chi.Router, basePath string, hub *realtime.Hub, authCfg AuthConfig) {
	router.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, req *http.Request) {
		token := req.URL.Query().Get("token")
		if token == "" {
			if t, ok := bearerToken(req.Header.Get("Authorization")); ok {
				token = t
			}
		}
		principal, err := AuthenticateToken(token, authCfg.JWTSecret)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
			return
		}
		user, err := hub.Engine().VerifyIdentity(req.Context(), principal.UserID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade already wrote the handshake failure.
			authCfg.logger().Printf("websocket upgrade for %s: %v", user.ID, err)
			return
		}
		hub.HandleConnection(conn, user.ID)
	})
}
