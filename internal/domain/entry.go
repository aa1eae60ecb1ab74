package domain

import "time"

// TimeEntry is one persisted work interval for a task and user. Closed
// entries are immutable; an entry with no end time is the running-timer
// marker for its task.
type TimeEntry struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"taskId"`
	UserID    string     `json:"userId"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  *int64     `json:"duration,omitempty"` // seconds, fixed at close
}

// Open reports whether the entry is still running.
func (e *TimeEntry) Open() bool {
	return e.EndTime == nil
}

// Elapsed returns how long the entry has been (or was) running. For an
// open entry it is measured against now; for a closed entry the stored
// duration wins.
func (e *TimeEntry) Elapsed(now time.Time) time.Duration {
	if e.EndTime != nil && e.Duration != nil {
		return time.Duration(*e.Duration) * time.Second
	}
	return now.Sub(e.StartTime)
}
