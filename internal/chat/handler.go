package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Chat identity is self-asserted, so there is no session cookie to protect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// ServeWs upgrades the request and starts the connection's pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(h.hub, conn)
	if !h.hub.attach(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		client.close()
		return
	}

	// serveWs returns immediately; the pumps own the connection from here.
	go client.writePump()
	go client.readPump()
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:      "ok",
		Connections: h.hub.ClientCount(),
		Online:      h.hub.Registry().Len(),
		Rooms:       h.hub.Rooms().Len(),
	})
}

// Presence returns the current roster, in join order.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, PresenceResponse{OnlineUsers: h.hub.Registry().DisplayNames()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
