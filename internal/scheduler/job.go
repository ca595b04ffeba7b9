package scheduler

import (
	"context"
	"time"
)

// historyCap bounds per-job history so a long-running daemon's memory
// stays flat.
const historyCap = 100

// Job is a scheduled unit of work. Implementations live in the jobs
// subpackage; Run must be safe to call outside its cron slot, since the
// CLI triggers jobs on demand.
type Job interface {
	// Name identifies the job in history and CLI lookups
	Name() string

	// Run executes the job once
	Run(ctx context.Context) error

	// Schedule is the cron expression with a seconds field,
	// e.g. "0 0 17 * * *" for 17:00 daily
	Schedule() string
}

// JobResult records one execution, successful or not. Error carries the
// last attempt's message after retries are exhausted.
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobHistory keeps the trailing executions of one job, oldest first.
type JobHistory struct {
	Results []JobResult
}

// AddResult appends a result, evicting the oldest past the cap.
func (h *JobHistory) AddResult(result JobResult) {
	h.Results = append(h.Results, result)
	if len(h.Results) > historyCap {
		h.Results = h.Results[len(h.Results)-historyCap:]
	}
}

// GetLatestResults returns up to n most recent results, oldest first.
func (h *JobHistory) GetLatestResults(n int) []JobResult {
	if n > len(h.Results) {
		n = len(h.Results)
	}
	if n <= 0 {
		return []JobResult{}
	}
	return h.Results[len(h.Results)-n:]
}

// GetFailedResults returns the retained failures.
func (h *JobHistory) GetFailedResults() []JobResult {
	failed := make([]JobResult, 0)
	for _, result := range h.Results {
		if !result.Success {
			failed = append(failed, result)
		}
	}
	return failed
}

// GetSuccessRate returns the fraction of retained runs that succeeded,
// 0 when nothing has run yet.
func (h *JobHistory) GetSuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0.0
	}
	successes := 0
	for _, result := range h.Results {
		if result.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(h.Results))
}
