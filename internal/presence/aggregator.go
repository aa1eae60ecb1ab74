// Package presence maintains the supervisor-side "current activity per
// collaborator" view by merging a periodic full-snapshot poll with live
// event deltas. The poll is the self-healing baseline; events only keep
// the view fresh between polls. Drift is corrected by the next poll, not
// by TTL expiry.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/timerwire"
)

// pollSchedule is the baseline refresh cadence
const pollSchedule = "@every 30s"

// PollFunc fetches the full activity snapshot from the non-real-time
// source (the /api/activities endpoint).
type PollFunc func(ctx context.Context) ([]domain.AggregatedActivity, error)

// Aggregator owns the in-memory activity table. All mutation goes
// through ApplyEvent and ApplyPoll; Run wires those to a live event
// stream and the cron-scheduled baseline poll.
type Aggregator struct {
	poll PollFunc
	log  zerolog.Logger
	now  func() time.Time

	mu    sync.RWMutex
	table map[string]*domain.AggregatedActivity
	// tasks with a live duration observed since the last baseline; for
	// these the event's freeze-frame wins over wall-clock recomputation
	live map[string]bool
}

// New creates an Aggregator. poll may be nil when the caller drives
// ApplyPoll itself.
func New(poll PollFunc, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		poll:  poll,
		log:   log,
		now:   time.Now,
		table: make(map[string]*domain.AggregatedActivity),
		live:  make(map[string]bool),
	}
}

// ApplyPoll replaces the baseline with a fresh snapshot. Live
// freeze-frames are reset: the snapshot is authoritative until the next
// event arrives.
func (a *Aggregator) ApplyPoll(snapshot []domain.AggregatedActivity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.table = make(map[string]*domain.AggregatedActivity, len(snapshot))
	a.live = make(map[string]bool)
	for i := range snapshot {
		activity := snapshot[i]
		a.table[activity.UserID] = &activity
	}
}

// ApplyEvent mutates just the affected collaborator's row. Events for
// collaborators missing from the baseline synthesize a minimal row
// rather than being dropped.
func (a *Aggregator) ApplyEvent(ev timerwire.TimerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	activity, ok := a.table[ev.UserID]
	if !ok {
		activity = &domain.AggregatedActivity{
			UserID:   ev.UserID,
			UserName: ev.UserName,
		}
		a.table[ev.UserID] = activity
	}
	if activity.UserName == "" && ev.UserName != "" {
		activity.UserName = ev.UserName
	}

	switch ev.Type {
	case timerwire.TypeTimerStart:
		activity.IsActive = true
		activity.CurrentTask = &domain.ActivityTask{
			TaskID:      ev.TaskID,
			Title:       ev.TaskTitle,
			ProjectName: ev.ProjectName,
			SprintName:  ev.SprintName,
			StartTime:   ev.Timestamp,
			Elapsed:     ev.Duration,
		}
		a.live[ev.TaskID] = true

	case timerwire.TypeTimerUpdate:
		if activity.CurrentTask == nil || activity.CurrentTask.TaskID != ev.TaskID {
			// Update for a session the baseline missed; adopt it.
			activity.CurrentTask = &domain.ActivityTask{
				TaskID:      ev.TaskID,
				Title:       ev.TaskTitle,
				ProjectName: ev.ProjectName,
				SprintName:  ev.SprintName,
				StartTime:   ev.Timestamp.Add(-time.Duration(ev.Duration) * time.Second),
			}
		}
		activity.IsActive = true
		activity.CurrentTask.Elapsed = ev.Duration
		activity.CurrentTask.IsPaused = false
		a.live[ev.TaskID] = true

	case timerwire.TypeTimerPause:
		// Task retained as a freeze-frame until resumed or repolled
		activity.IsActive = false
		if activity.CurrentTask != nil && activity.CurrentTask.TaskID == ev.TaskID {
			activity.CurrentTask.IsPaused = true
			activity.CurrentTask.Elapsed = ev.PausedTime
			a.live[ev.TaskID] = true
		}

	case timerwire.TypeTimerStop:
		activity.IsActive = false
		if activity.CurrentTask != nil {
			delete(a.live, activity.CurrentTask.TaskID)
		}
		activity.CurrentTask = nil

	case timerwire.TypeTaskComplete:
		activity.IsActive = false
		if activity.CurrentTask != nil {
			delete(a.live, activity.CurrentTask.TaskID)
		}
		activity.CurrentTask = nil
		activity.TodayStats.Completed++
		if activity.TodayStats.InProgress > 0 {
			activity.TodayStats.InProgress--
		}
	}
}

// CurrentView returns a copy of the activity table. Running sessions
// show the most recent live duration when one has been observed, falling
// back to wall-clock elapsed otherwise; pause freeze-frames are shown
// exactly as the event carried them.
func (a *Aggregator) CurrentView() []domain.AggregatedActivity {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	view := make([]domain.AggregatedActivity, 0, len(a.table))
	for _, activity := range a.table {
		copied := *activity
		if activity.CurrentTask != nil {
			task := *activity.CurrentTask
			if copied.IsActive && !task.IsPaused && !a.live[task.TaskID] {
				// No live event seen for this session yet; the wall
				// clock is the best available estimate.
				task.Elapsed = int64(now.Sub(task.StartTime) / time.Second)
			}
			copied.CurrentTask = &task
		}
		view = append(view, copied)
	}
	return view
}

// Run consumes the live event stream and schedules the baseline poll
// until the context ends. The table is only ever mutated from this
// goroutine (plus the cron job funneling through refresh).
func (a *Aggregator) Run(ctx context.Context, events <-chan timerwire.TimerEvent) error {
	if a.poll != nil {
		a.refresh(ctx)
	}

	var c *cron.Cron
	if a.poll != nil {
		c = cron.New()
		if _, err := c.AddFunc(pollSchedule, func() { a.refresh(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.ApplyEvent(ev)
		}
	}
}

func (a *Aggregator) refresh(ctx context.Context) {
	snapshot, err := a.poll(ctx)
	if err != nil {
		// Keep the current table; the next poll or event self-heals.
		a.log.Warn().Err(err).Msg("baseline poll failed")
		return
	}
	a.ApplyPoll(snapshot)
	a.log.Debug().Int("collaborators", len(snapshot)).Msg("baseline refreshed")
}
