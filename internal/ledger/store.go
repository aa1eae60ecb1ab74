// Package ledger provides the SQLite-backed durable store for work
// intervals, the task/user contracts the engine depends on, and the
// append-only timer event history. The ledger is the single source of
// truth for completed work time; everything flowing over the live
// channel is a disposable projection of it.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/timerwire"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the tracking engine
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite allows one writer at a time, and a pooled second connection
	// to ":memory:" would see a different database entirely. Serialize
	// everything through a single connection.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateOpenEntry inserts a new open time entry for a task. The partial
// unique index on open entries makes this the atomic check-then-insert
// that linearizes concurrent starts: exactly one writer wins, the rest
// get domain.ErrTimerConflict.
func (s *Store) CreateOpenEntry(entry *domain.TimeEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO time_entries (id, task_id, user_id, start_time)
		VALUES (?, ?, ?, ?)
	`, entry.ID, entry.TaskID, entry.UserID, entry.StartTime)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrTimerConflict
		}
		return err
	}
	return nil
}

// CloseEntry closes an open entry, fixing its end time and duration.
// Returns domain.ErrEntryNotFound if the entry does not exist or is
// already closed.
func (s *Store) CloseEntry(entryID string, now time.Time) (*domain.TimeEntry, error) {
	entry, err := s.GetEntry(entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.Open() {
		return nil, domain.ErrEntryNotFound
	}

	duration := int64(now.Sub(entry.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}

	res, err := s.db.Exec(`
		UPDATE time_entries SET end_time = ?, duration_secs = ?
		WHERE id = ? AND end_time IS NULL
	`, now, duration, entryID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost a close race; the entry was already terminated.
		return nil, domain.ErrEntryNotFound
	}

	entry.EndTime = &now
	entry.Duration = &duration
	return entry, nil
}

// GetEntry retrieves a time entry by ID, or nil if absent
func (s *Store) GetEntry(entryID string) (*domain.TimeEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, user_id, start_time, end_time, duration_secs
		FROM time_entries WHERE id = ?
	`, entryID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// OpenEntryForTask returns the open entry for a task, or nil when the
// task has no running timer.
func (s *Store) OpenEntryForTask(taskID string) (*domain.TimeEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, user_id, start_time, end_time, duration_secs
		FROM time_entries WHERE task_id = ? AND end_time IS NULL
	`, taskID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListEntriesForTask returns all entries for a task, oldest first
func (s *Store) ListEntriesForTask(taskID string) ([]*domain.TimeEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, user_id, start_time, end_time, duration_secs
		FROM time_entries WHERE task_id = ? ORDER BY start_time
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

// EntriesInWindow returns a user's entries whose start or end falls
// inside [from, to]. Open entries qualify through their start time.
func (s *Store) EntriesInWindow(userID string, from, to time.Time) ([]*domain.TimeEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, user_id, start_time, end_time, duration_secs
		FROM time_entries
		WHERE user_id = ?
		  AND ((start_time >= ? AND start_time <= ?)
		   OR (end_time IS NOT NULL AND end_time >= ? AND end_time <= ?))
		ORDER BY start_time
	`, userID, from, to, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]*domain.TimeEntry, error) {
	var entries []*domain.TimeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*domain.TimeEntry, error) {
	var entry domain.TimeEntry
	var endTime sql.NullTime
	var duration sql.NullInt64

	err := row.Scan(&entry.ID, &entry.TaskID, &entry.UserID, &entry.StartTime, &endTime, &duration)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		t := endTime.Time
		entry.EndTime = &t
	}
	if duration.Valid {
		d := duration.Int64
		entry.Duration = &d
	}

	return &entry, nil
}

// UpsertTask inserts or updates a task
func (s *Store) UpsertTask(task *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, project_name, sprint_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			project_name = excluded.project_name,
			sprint_name = excluded.sprint_name,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.Title,
		task.ProjectName,
		nullString(task.SprintName),
		string(task.Status),
		task.CreatedAt,
		task.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID, or nil if absent
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, title, project_name, sprint_name, status, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	var task domain.Task
	var sprint sql.NullString
	var status string
	err := row.Scan(&task.ID, &task.Title, &task.ProjectName, &sprint, &status, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if sprint.Valid {
		task.SprintName = sprint.String
	}
	return &task, nil
}

// MarkTaskStarted advances a not-started task to in progress. A task in
// any other state is left alone.
func (s *Store) MarkTaskStarted(id string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(domain.StatusInProgress), now, id, string(domain.StatusNotStarted))
	return err
}

// MarkTaskCompleted sets a task's status to completed
func (s *Store) MarkTaskCompleted(id string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(domain.StatusCompleted), now, id)
	return err
}

// TaskStatuses returns the current status of each given task ID
func (s *Store) TaskStatuses(ids []string) (map[string]domain.TaskStatus, error) {
	statuses := make(map[string]domain.TaskStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	query := `SELECT id, status FROM tasks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = domain.TaskStatus(status)
	}
	return statuses, rows.Err()
}

// UpsertUser inserts or updates a roster user
func (s *Store) UpsertUser(user *domain.User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, name, role) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
	`, user.ID, user.Name, string(user.Role))
	return err
}

// GetUser retrieves a user by ID, or nil if absent
func (s *Store) GetUser(id string) (*domain.User, error) {
	row := s.db.QueryRow(`SELECT id, name, role FROM users WHERE id = ?`, id)

	var user domain.User
	var role string
	err := row.Scan(&user.ID, &user.Name, &role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.Role = domain.Role(role)
	return &user, nil
}

// ListUsers returns all roster users ordered by name
func (s *Store) ListUsers() ([]*domain.User, error) {
	rows, err := s.db.Query(`SELECT id, name, role FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		var role string
		if err := rows.Scan(&user.ID, &user.Name, &role); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		users = append(users, &user)
	}
	return users, rows.Err()
}

// InsertEvent appends an audit copy of a broadcast event
func (s *Store) InsertEvent(ev timerwire.TimerEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO timer_events (id, type, user_id, task_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), ev.Type, ev.UserID, ev.TaskID, string(payload), ev.Timestamp)
	return err
}

// EventFilter specifies filters for listing historical events
type EventFilter struct {
	Type   string
	UserID string
	TaskID string
	Limit  int
}

// ListEvents returns persisted event copies matching the filter, newest
// first. History is advisory: gaps are expected and harmless.
func (s *Store) ListEvents(filter EventFilter) ([]timerwire.TimerEvent, error) {
	query := `SELECT payload FROM timer_events WHERE 1=1`
	var args []interface{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []timerwire.TimerEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev timerwire.TimerEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ActivitiesSnapshot builds the supervisor snapshot: one row per roster
// user with their open timer (if any) and today's counters. This is the
// non-real-time source presence aggregation polls to self-heal.
func (s *Store) ActivitiesSnapshot(now time.Time) ([]domain.AggregatedActivity, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, err
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	activities := make([]domain.AggregatedActivity, 0, len(users))
	for _, user := range users {
		activity := domain.AggregatedActivity{
			UserID:   user.ID,
			UserName: user.Name,
		}

		open, err := s.openEntryForUser(user.ID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			task, err := s.GetTask(open.TaskID)
			if err != nil {
				return nil, err
			}
			activity.IsActive = true
			activity.CurrentTask = &domain.ActivityTask{
				TaskID:    open.TaskID,
				StartTime: open.StartTime,
				Elapsed:   int64(now.Sub(open.StartTime) / time.Second),
			}
			if task != nil {
				activity.CurrentTask.Title = task.Title
				activity.CurrentTask.ProjectName = task.ProjectName
				activity.CurrentTask.SprintName = task.SprintName
			}
		}

		stats, err := s.dayStats(user.ID, midnight, now)
		if err != nil {
			return nil, err
		}
		activity.TodayStats = stats

		activities = append(activities, activity)
	}

	return activities, nil
}

func (s *Store) openEntryForUser(userID string) (*domain.TimeEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, user_id, start_time, end_time, duration_secs
		FROM time_entries WHERE user_id = ? AND end_time IS NULL
		ORDER BY start_time LIMIT 1
	`, userID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *Store) dayStats(userID string, midnight, now time.Time) (domain.DayStats, error) {
	var stats domain.DayStats

	entries, err := s.EntriesInWindow(userID, midnight, now)
	if err != nil {
		return stats, err
	}

	taskIDs := make([]string, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Duration != nil {
			stats.TimeWorked += *e.Duration
		} else {
			stats.TimeWorked += int64(now.Sub(e.StartTime) / time.Second)
		}
		if !seen[e.TaskID] {
			seen[e.TaskID] = true
			taskIDs = append(taskIDs, e.TaskID)
		}
	}

	statuses, err := s.TaskStatuses(taskIDs)
	if err != nil {
		return stats, err
	}
	for _, status := range statuses {
		switch status {
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusInProgress:
			stats.InProgress++
		}
	}

	return stats, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
