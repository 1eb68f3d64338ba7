package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spacerelay/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against the configured frontend hosts
		return true
	},
}

// ServeWS upgrades an authenticated request to a websocket connection and
// registers it with the hub. The connection id returned in the response
// header is what the client passes to the authorization endpoint when
// requesting grants.
func ServeWS(hub *Hub, identitySecret []byte, sendBuffer int, log *zap.Logger, w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		log.Warn("websocket request without token", zap.String("from", r.RemoteAddr))
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	ident, err := auth.ValidateToken(identitySecret, token)
	if err != nil {
		log.Warn("token validation failed", zap.String("from", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	connID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Connection-Id", connID)

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Error("failed to upgrade connection", zap.String("user", ident.UserID), zap.Error(err))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		connID: connID,
		userID: ident.UserID,
		name:   ident.Name,
		avatar: ident.Avatar,
		subs:   make(map[string]bool),
		log:    log,
	}

	log.Info("connection upgraded",
		zap.String("user", ident.UserID), zap.String("conn", connID))

	hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
