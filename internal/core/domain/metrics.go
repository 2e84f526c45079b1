package domain

// ConnectionStats is what the admin surface reports about live sessions.
type ConnectionStats struct {
	ActiveConnections int `json:"active_connections"`
	ActiveRooms       int `json:"active_rooms"`
	MaxConnections    int `json:"max_connections"`
}
