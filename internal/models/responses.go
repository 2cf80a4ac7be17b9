package models

import "time"

// HealthResponse represents a basic health check response
// @Description Health check response
type HealthResponse struct {
	Status    string    `json:"status" example:"healthy"`                 // Health status
	Timestamp time.Time `json:"timestamp" example:"2023-01-01T00:00:00Z"` // Timestamp of the check
	Version   string    `json:"version" example:"1.0.0"`                  // Application version
}

// DBHealthResponse represents a database health check response
// @Description Database health check response
type DBHealthResponse struct {
	Status    string        `json:"status" example:"healthy"`                   // Health status
	Timestamp time.Time     `json:"timestamp" example:"2023-01-01T00:00:00Z"`   // Timestamp of the check
	Connected bool          `json:"connected" example:"true"`                   // Database connection status
	Latency   time.Duration `json:"latency" swaggertype:"string" example:"1ms"` // Database ping latency
	Error     string        `json:"error,omitempty" example:""`                 // Error message if any
}

// OccurrencesResponse lists the reconciled timeline
// @Description Timeline listing
type OccurrencesResponse struct {
	Occurrences []Occurrence `json:"occurrences"`
	Count       int          `json:"count" example:"12"`
}

// RunsResponse lists recent scheduler cycles
// @Description Run ledger listing
type RunsResponse struct {
	Runs  []CycleRun `json:"runs"`
	Count int        `json:"count" example:"20"`
}

// StatusResponse summarizes ingestion and sync progress
// @Description Pipeline status
type StatusResponse struct {
	Watermark     *time.Time `json:"watermark,omitempty"` // Latest delivered_at among stored messages
	Messages      int        `json:"messages" example:"140"`
	DeadLetters   int        `json:"dead_letters" example:"0"`
	PendingRetry  int        `json:"pending_retry" example:"1"` // Messages with recorded failures
	Occurrences   int        `json:"occurrences" example:"37"`
	Unsynced      int        `json:"unsynced" example:"0"`
	Tombstones    int        `json:"tombstones" example:"0"`
	LastRun       *CycleRun  `json:"last_run,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// ErrorResponse is returned by API endpoints on failure
// @Description Error payload
type ErrorResponse struct {
	Error string `json:"error" example:"database unavailable"`
}
