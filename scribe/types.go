package scribe

import (
	"time"

	"github.com/bosley/speaktotext/cache"
	"github.com/bosley/speaktotext/jobs"
	"github.com/bosley/speaktotext/policy"
)

// jobRequest is everything a job needs beyond its registry record. The
// credential never enters the registry.
type jobRequest struct {
	UploadPath string
	URL        string
	Model      string
	Credential string
}

type submitResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type healthResponse struct {
	Status        string              `json:"status"`
	Jobs          map[jobs.Status]int `json:"jobs"`
	Sessions      int                 `json:"sessions"`
	StreamClients int                 `json:"stream_clients"`
	Cache         cache.Stats         `json:"cache"`
}

type estimateResponse struct {
	DurationSeconds  float64                    `json:"duration_seconds"`
	RecommendedModel string                     `json:"recommended_model"`
	TimeoutSeconds   float64                    `json:"timeout_seconds"`
	Hint             string                     `json:"hint,omitempty"`
	Estimates        map[string]policy.Estimate `json:"estimates"`
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   jobs.Job  `json:"payload"`
}
