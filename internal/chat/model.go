package chat

// ---------------------------------------------
// HTTP API Models
// ---------------------------------------------

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"` // live websocket connections on this instance
	Online      int    `json:"online"`      // connections that completed a join
	Rooms       int    `json:"rooms"`
}

// PresenceResponse is served on /api/presence.
type PresenceResponse struct {
	OnlineUsers []string `json:"onlineUsers"`
}
