package grader

import (
	"time"
)

// GradeJob represents a recording bundle waiting for the worker pool
type GradeJob struct {
	Dir    string
	Queued time.Time
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

const messageTypeReport = "report"
