package progress

import (
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

type Direction string

const (
	Descending Direction = "desc"
	Ascending  Direction = "asc"
)

// Checkpoint is the resumable state of a sync run. Counters and LastProcessedID
// only ever reflect rows that reached the store.
type Checkpoint struct {
	RunID           string     `json:"run_id"`
	Status          Status     `json:"status"`
	Direction       Direction  `json:"direction"`
	LastProcessedID int64      `json:"last_processed_id"`
	Processed       int64      `json:"processed"`
	Succeeded       int64      `json:"succeeded"`
	Failed          int64      `json:"failed"`
	TotalDeals      int64      `json:"total_deals"`
	Target          int64      `json:"target"`
	MinID           int64      `json:"min_id"`
	MaxID           int64      `json:"max_id"`
	StartTime       time.Time  `json:"start_time"`
	LastUpdate      time.Time  `json:"last_update"`
	ForecastEnd     *time.Time `json:"forecast_end_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	// ResumedAt and ProcessedAtResume anchor the rate of the current invocation.
	ResumedAt         time.Time `json:"resumed_at"`
	ProcessedAtResume int64     `json:"processed_at_resume"`
}

func (c *Checkpoint) Ascending() bool {
	return c.Direction == Ascending
}

// Percent is processed over target, capped at 100.
func (c *Checkpoint) Percent() float64 {
	if c.Target <= 0 {
		return 0
	}
	p := float64(c.Processed) / float64(c.Target) * 100
	if p > 100 {
		return 100
	}
	return p
}

// RatePerMinute is the throughput of the current invocation.
func (c *Checkpoint) RatePerMinute(now time.Time) float64 {
	elapsed := now.Sub(c.ResumedAt)
	done := c.Processed - c.ProcessedAtResume
	if elapsed <= 0 || done <= 0 {
		return 0
	}
	return float64(done) / elapsed.Minutes()
}

// ETA projects the finish time from the current rate. ok is false before any progress.
func (c *Checkpoint) ETA(now time.Time) (time.Time, bool) {
	elapsed := now.Sub(c.ResumedAt)
	done := c.Processed - c.ProcessedAtResume
	if elapsed <= 0 || done <= 0 {
		return time.Time{}, false
	}
	remaining := c.Target - c.Processed
	if remaining <= 0 {
		return now, true
	}
	perDeal := elapsed / time.Duration(done)
	return now.Add(perDeal * time.Duration(remaining)), true
}

// UpdateForecast refreshes ForecastEnd from ETA.
func (c *Checkpoint) UpdateForecast(now time.Time) {
	if eta, ok := c.ETA(now); ok {
		c.ForecastEnd = &eta
	}
}
