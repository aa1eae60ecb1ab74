// Package registry enforces the one-open-entry-per-task invariant and
// owns the timer mutations: start opens an interval, pause/complete
// closes it. It is a thin layer over the ledger; the mutual exclusion
// itself lives in the storage schema, not in application locks.
package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/ledger"
)

// Registry coordinates timer starts and stops against the ledger
type Registry struct {
	store *ledger.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New creates a Registry over the given store
func New(store *ledger.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Start opens a new time entry for the task. Returns
// domain.ErrTimerConflict when the task already has a running timer,
// whether owned by the same or a different user; the caller should
// re-query and adopt the existing entry rather than retry. Starting a
// not-started task advances it to in progress.
func (r *Registry) Start(taskID, userID string) (*domain.TimeEntry, error) {
	entry := &domain.TimeEntry{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		UserID:    userID,
		StartTime: r.now(),
	}

	if err := r.store.CreateOpenEntry(entry); err != nil {
		return nil, err
	}

	// Status advance is a side effect; a failure here doesn't undo the
	// interval, which is the authoritative record.
	if err := r.store.MarkTaskStarted(taskID, entry.StartTime); err != nil {
		r.log.Warn().Err(err).Str("task", taskID).Msg("task status advance failed")
	}

	r.log.Info().Str("task", taskID).Str("user", userID).Str("entry", entry.ID).Msg("timer started")
	return entry, nil
}

// Pause closes the entry, fixing its end time and duration. Returns
// domain.ErrEntryNotFound when the entry is missing or already closed.
func (r *Registry) Pause(entryID string) (*domain.TimeEntry, error) {
	entry, err := r.store.CloseEntry(entryID, r.now())
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("entry", entryID).Int64("duration", *entry.Duration).Msg("timer paused")
	return entry, nil
}

// Complete closes the task's open entry (if any) and marks the task
// completed. The closed entry is nil when the task had no running timer.
func (r *Registry) Complete(taskID string) (*domain.TimeEntry, error) {
	now := r.now()

	var closed *domain.TimeEntry
	open, err := r.store.OpenEntryForTask(taskID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		closed, err = r.store.CloseEntry(open.ID, now)
		if err != nil {
			return nil, err
		}
	}

	if err := r.store.MarkTaskCompleted(taskID, now); err != nil {
		return nil, err
	}

	r.log.Info().Str("task", taskID).Msg("task completed")
	return closed, nil
}

// Query returns the open entry for a task, or nil when the task has no
// running timer. This is the authoritative "is it running, since when"
// answer that reconnecting views rebuild their display from.
func (r *Registry) Query(taskID string) (*domain.TimeEntry, error) {
	return r.store.OpenEntryForTask(taskID)
}
