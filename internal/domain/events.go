package domain

import "time"

// CountEvent is a live upvote/bookmark counter change pushed by the server.
type CountEvent struct {
	ProductID string `json:"productId"`
	Count     int    `json:"count"`
	Action    string `json:"action"` // "add" | "remove"
	UserID    string `json:"userId"`
}

// ViewEvent is a live view-count change pushed by the server.
type ViewEvent struct {
	ProductID string    `json:"productId"`
	ViewCount *int      `json:"viewCount,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
