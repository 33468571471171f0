package core

import "time"

// UnitStatus is a derived health snapshot of a processing unit. It is
// recomputed from the unit's counters on every read.
type UnitStatus struct {
	ID                  string        `json:"id"`
	IsHealthy           bool          `json:"is_healthy"`
	LastActivity        time.Time     `json:"last_activity"`
	RequestsProcessed   int64         `json:"requests_processed"`
	ErrorCount          int64         `json:"error_count"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ErrorRate           float64       `json:"error_rate"`
}

// ErrorRate returns errors/requests, or 0 when no request was processed.
func ErrorRate(errors, requests int64) float64 {
	if requests <= 0 {
		return 0
	}
	return float64(errors) / float64(requests)
}
