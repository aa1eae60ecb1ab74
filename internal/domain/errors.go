package domain

import "errors"

// ErrTimerConflict is returned when a start attempt races or follows
// another open entry on the same task. Callers recover by re-querying
// the active timer and adopting it instead of retrying.
var ErrTimerConflict = errors.New("task already has a running timer")

// ErrEntryNotFound is returned when a pause/stop references an entry
// that does not exist or is already closed.
var ErrEntryNotFound = errors.New("time entry not found or already closed")
