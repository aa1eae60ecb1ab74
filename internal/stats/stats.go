// Package stats computes bounded-period productivity metrics by scanning
// the ledger. It is invoked on demand, never event-driven, and reads
// nothing but persisted intervals and task statuses.
package stats

import (
	"sort"
	"time"

	"github.com/crewbase/timetrack/internal/domain"
)

// Ledger is the slice of the store the aggregator reads.
type Ledger interface {
	EntriesInWindow(userID string, from, to time.Time) ([]*domain.TimeEntry, error)
	TaskStatuses(ids []string) (map[string]domain.TaskStatus, error)
}

// TaskBreakdown is the per-task slice of a stats report.
type TaskBreakdown struct {
	TaskID   string `json:"taskId"`
	Sessions int    `json:"sessions"`
	Duration int64  `json:"duration"` // seconds
}

// ProductivityStats is the bounded-period report for one collaborator.
// All durations are integer seconds; hour/minute formatting is a
// presentation concern outside this engine.
type ProductivityStats struct {
	UserID             string          `json:"userId"`
	PeriodStart        time.Time       `json:"periodStart"`
	PeriodEnd          time.Time       `json:"periodEnd"`
	TotalWorkTime      int64           `json:"totalWorkTime"`
	TotalSessions      int             `json:"totalSessions"`
	TasksWorked        int             `json:"tasksWorked"`
	TasksCompleted     int             `json:"tasksCompleted"`
	CompletionRate     float64         `json:"completionRate"`
	AverageSessionTime int64           `json:"averageSessionTime"`
	PerTask            []TaskBreakdown `json:"perTask"`
}

// Aggregator computes productivity statistics over the ledger
type Aggregator struct {
	ledger Ledger
	now    func() time.Time
}

// New creates an Aggregator over the given ledger
func New(ledger Ledger) *Aggregator {
	return &Aggregator{ledger: ledger, now: time.Now}
}

// ComputeStats reports on the user's entries whose start or end falls
// inside [periodStart, periodEnd]. An entry still open at query time
// contributes now minus its start, clamped to the period end; it is
// never excluded. An empty window is not an error: the report is simply
// zeroed.
func (a *Aggregator) ComputeStats(userID string, periodStart, periodEnd time.Time) (ProductivityStats, error) {
	stats := ProductivityStats{
		UserID:      userID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		PerTask:     []TaskBreakdown{},
	}

	entries, err := a.ledger.EntriesInWindow(userID, periodStart, periodEnd)
	if err != nil {
		return stats, err
	}
	if len(entries) == 0 {
		return stats, nil
	}

	now := a.now()
	perTask := make(map[string]*TaskBreakdown)
	var taskIDs []string

	for _, entry := range entries {
		duration := contribution(entry, now, periodEnd)
		stats.TotalWorkTime += duration
		stats.TotalSessions++

		breakdown, ok := perTask[entry.TaskID]
		if !ok {
			breakdown = &TaskBreakdown{TaskID: entry.TaskID}
			perTask[entry.TaskID] = breakdown
			taskIDs = append(taskIDs, entry.TaskID)
		}
		breakdown.Sessions++
		breakdown.Duration += duration
	}

	stats.TasksWorked = len(taskIDs)

	statuses, err := a.ledger.TaskStatuses(taskIDs)
	if err != nil {
		return stats, err
	}
	for _, status := range statuses {
		if status == domain.StatusCompleted {
			stats.TasksCompleted++
		}
	}

	// Zero-safe ratios: no sessions and no tasks both report 0
	if stats.TasksWorked > 0 {
		stats.CompletionRate = float64(stats.TasksCompleted) / float64(stats.TasksWorked) * 100
	}
	if stats.TotalSessions > 0 {
		stats.AverageSessionTime = stats.TotalWorkTime / int64(stats.TotalSessions)
	}

	for _, id := range taskIDs {
		stats.PerTask = append(stats.PerTask, *perTask[id])
	}
	sort.Slice(stats.PerTask, func(i, j int) bool {
		return stats.PerTask[i].Duration > stats.PerTask[j].Duration
	})

	return stats, nil
}

// contribution is an entry's share of the report window in seconds
func contribution(entry *domain.TimeEntry, now, periodEnd time.Time) int64 {
	if entry.Duration != nil {
		return *entry.Duration
	}

	// Still open: ongoing work counts up to now, clamped to the window
	end := now
	if end.After(periodEnd) {
		end = periodEnd
	}
	secs := int64(end.Sub(entry.StartTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
