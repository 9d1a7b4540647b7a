package models

import "time"

// Message is one chat message scoped to a help request. ID and CreatedAt
// are assigned by the durable store on insert; the gateway never
// broadcasts a message that has not been committed first.
type Message struct {
	ID            int64     `json:"id"`
	HelpRequestID int64     `json:"helpRequestId"`
	SenderID      int64     `json:"senderId"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"createdAt"`
}
