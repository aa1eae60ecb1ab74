package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/ledger"
	"github.com/crewbase/timetrack/internal/timerwire"
)

// StartTimerRequest is the body of a start timer call
type StartTimerRequest struct {
	UserID string `json:"userId"`
}

// ConflictResponse carries the already-running entry so the caller can
// adopt it instead of retrying
type ConflictResponse struct {
	Error       string            `json:"error"`
	ActiveEntry *domain.TimeEntry `json:"activeEntry,omitempty"`
}

// ActiveTimerResponse answers "is there a running timer for this task"
type ActiveTimerResponse struct {
	ActiveEntry *domain.TimeEntry `json:"activeEntry"`
}

// taskRoutesHandler dispatches /api/tasks/{id}/... subroutes
func (s *Server) taskRoutesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")

		switch {
		case strings.HasSuffix(path, "/timer/start"):
			taskID := strings.TrimSuffix(path, "/timer/start")
			s.startTimer(w, r, taskID)
		case strings.HasSuffix(path, "/timer"):
			taskID := strings.TrimSuffix(path, "/timer")
			s.activeTimer(w, r, taskID)
		case strings.HasSuffix(path, "/entries"):
			taskID := strings.TrimSuffix(path, "/entries")
			s.listEntries(w, r, taskID)
		case strings.HasSuffix(path, "/complete"):
			taskID := strings.TrimSuffix(path, "/complete")
			s.completeTask(w, r, taskID)
		default:
			writeError(w, http.StatusNotFound, "unknown task route")
		}
	}
}

func (s *Server) startTimer(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID required")
		return
	}

	var req StartTimerRequest
	if err := parseForm(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	entry, err := s.registry.Start(taskID, req.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrTimerConflict) {
			// Hand the caller the entry that won so it can adopt it
			active, qerr := s.registry.Query(taskID)
			if qerr != nil {
				s.log.Warn().Err(qerr).Str("task", taskID).Msg("conflict re-query failed")
			}
			writeJSON(w, http.StatusConflict, ConflictResponse{
				Error:       "task already has a running timer",
				ActiveEntry: active,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.hub.Publish(s.enrich(timerwire.TimerEvent{
		Type:      timerwire.TypeTimerStart,
		UserID:    entry.UserID,
		TaskID:    entry.TaskID,
		Timestamp: entry.StartTime,
	}))

	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) pauseTimerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// /api/timer/{entryId}/pause
		path := strings.TrimPrefix(r.URL.Path, "/api/timer/")
		entryID := strings.TrimSuffix(path, "/pause")
		if entryID == "" || entryID == path {
			writeError(w, http.StatusNotFound, "unknown timer route")
			return
		}

		entry, err := s.registry.Pause(entryID)
		if err != nil {
			if errors.Is(err, domain.ErrEntryNotFound) {
				writeError(w, http.StatusNotFound, "time entry not found or already closed")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		s.hub.Publish(s.enrich(timerwire.TimerEvent{
			Type:       timerwire.TypeTimerPause,
			UserID:     entry.UserID,
			TaskID:     entry.TaskID,
			Duration:   *entry.Duration,
			IsPaused:   true,
			PausedTime: *entry.Duration,
			Timestamp:  *entry.EndTime,
		}))

		writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	closed, err := s.registry.Complete(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ev := timerwire.TimerEvent{
		Type:      timerwire.TypeTaskComplete,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}
	if closed != nil {
		ev.UserID = closed.UserID
		ev.Duration = *closed.Duration
	}
	s.hub.Publish(s.enrich(ev))

	if closed == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (s *Server) activeTimer(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entry, err := s.registry.Query(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ActiveTimerResponse{ActiveEntry: entry})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := s.store.ListEntriesForTask(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*domain.TimeEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// /api/users/{id}/stats
		path := strings.TrimPrefix(r.URL.Path, "/api/users/")
		userID := strings.TrimSuffix(path, "/stats")
		if userID == "" || userID == path {
			writeError(w, http.StatusNotFound, "unknown user route")
			return
		}

		start, err := parseDate(r.URL.Query().Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start date")
			return
		}
		end, err := parseDate(r.URL.Query().Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end date")
			return
		}

		report, err := s.stats.ComputeStats(userID, start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		filter := ledger.EventFilter{
			Type:   q.Get("type"),
			UserID: q.Get("userId"),
			TaskID: q.Get("taskId"),
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			filter.Limit = n
		}

		events, err := s.store.ListEvents(filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if events == nil {
			events = []timerwire.TimerEvent{}
		}

		writeJSON(w, http.StatusOK, events)
	}
}

func (s *Server) activitiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		activities, err := s.store.ActivitiesSnapshot(time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, activities)
	}
}

// enrich fills display fields from the ledger so consumers don't need
// their own lookups. Failures degrade to a sparser event, never block
// the publish.
func (s *Server) enrich(ev timerwire.TimerEvent) timerwire.TimerEvent {
	if ev.UserID != "" {
		if user, err := s.store.GetUser(ev.UserID); err == nil && user != nil {
			ev.UserName = user.Name
		}
	}
	if ev.TaskID != "" {
		if task, err := s.store.GetTask(ev.TaskID); err == nil && task != nil {
			ev.TaskTitle = task.Title
			ev.ProjectName = task.ProjectName
			ev.SprintName = task.SprintName
		}
	}
	return ev
}

func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
