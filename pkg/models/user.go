// Package models defines the value types shared between the realtime
// gateway and its durable store.
package models

// User is the display identity resolved from the durable store after a
// successful handshake. Only the fields the gateway needs to enrich
// outbound events are carried here; the full profile lives in the CRUD
// service.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
