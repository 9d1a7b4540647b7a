package models

import "time"

// Presence is the durable marker that a connection is live and
// authenticated. Exactly one row exists per open, authenticated
// connection; the reconciliation sweeper repairs any drift.
type Presence struct {
	ConnectionID string    `json:"connectionId"`
	UserID       int64     `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
}
