package model

import (
	"time"

	"github.com/google/uuid"
)

// DeviceInfo is the transport-provided identity of a single device.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// Session describes one live connection from one device for one logical
// user. Sessions are owned exclusively by the connection registry and are
// never persisted.
type Session struct {
	ConnID      uuid.UUID  `json:"conn_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Device      DeviceInfo `json:"device"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastSeen    time.Time  `json:"last_seen"`
}
