package models

import "time"

// CycleRun is one entry of the scheduler run ledger
type CycleRun struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Selected   int        `json:"selected"`  // Messages picked by the ingestion cursor
	Processed  int        `json:"processed"` // Messages persisted this cycle
	Failed     int        `json:"failed"`    // Messages left for the next cycle (or dead-lettered)
	Pushed     int        `json:"pushed"`    // Occurrences marked synced
	Error      string     `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is still in flight
func (r CycleRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
