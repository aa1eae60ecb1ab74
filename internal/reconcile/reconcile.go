// Package reconcile recomputes displayed elapsed time from the ledger
// when a view (re)attaches. Live events are a latency shortcut only; no
// matter how many of them were missed while disconnected, a reloaded
// view resumes at now minus the open entry's start time.
package reconcile

import (
	"time"

	"github.com/crewbase/timetrack/internal/domain"
)

// Querier answers "is there a running timer for this task".
type Querier interface {
	Query(taskID string) (*domain.TimeEntry, error)
}

// Resumption is what a reattaching view should display.
type Resumption struct {
	Entry   *domain.TimeEntry // nil when the task is idle
	Elapsed time.Duration     // zero when the task is idle
}

// Running reports whether a timer should be shown as active.
func (r Resumption) Running() bool {
	return r.Entry != nil
}

// Reconciler derives resumption state from the registry
type Reconciler struct {
	registry Querier
	now      func() time.Time
}

// New creates a Reconciler over the given registry
func New(registry Querier) *Reconciler {
	return &Reconciler{registry: registry, now: time.Now}
}

// Resume returns the state a view must adopt for a task on (re)attach.
// An idle result overrides whatever stale in-memory event state the view
// held before reconnecting.
func (r *Reconciler) Resume(taskID string) (Resumption, error) {
	entry, err := r.registry.Query(taskID)
	if err != nil {
		return Resumption{}, err
	}
	if entry == nil {
		return Resumption{}, nil
	}

	return Resumption{
		Entry:   entry,
		Elapsed: r.now().Sub(entry.StartTime),
	}, nil
}
