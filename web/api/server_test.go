package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/eventbus"
	"github.com/crewbase/timetrack/internal/ledger"
	"github.com/crewbase/timetrack/internal/registry"
	"github.com/crewbase/timetrack/internal/stats"
	"github.com/crewbase/timetrack/internal/timerwire"
)

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Store) {
	t.Helper()

	store, err := ledger.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	store.UpsertTask(&domain.Task{ID: "t1", Title: "Draft onboarding flow", ProjectName: "Portal", Status: domain.StatusNotStarted, CreatedAt: now, UpdatedAt: now})
	store.UpsertUser(&domain.User{ID: "u1", Name: "Ana", Role: domain.RoleCollaborator})
	store.UpsertUser(&domain.User{ID: "boss", Name: "Bruno", Role: domain.RoleSupervisor})

	roles := func(userID string) (domain.Role, bool) {
		user, err := store.GetUser(userID)
		if err != nil || user == nil {
			return "", false
		}
		return user.Role, true
	}

	hub := eventbus.NewHub(roles, store, zerolog.Nop())
	reg := registry.New(store, zerolog.Nop())
	server := NewServer(store, reg, stats.New(store), hub, "127.0.0.1:0", zerolog.Nop())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return ts, store
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestServer_StartTimer(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var entry domain.TimeEntry
	decode(t, resp, &entry)
	if entry.ID == "" || entry.TaskID != "t1" || !entry.Open() {
		t.Errorf("entry = %+v", entry)
	}

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusInProgress {
		t.Errorf("task status = %q, want in_progress", task.Status)
	}
}

func TestServer_StartTimerConflict(t *testing.T) {
	ts, _ := newTestServer(t)

	postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "boss"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var conflict ConflictResponse
	decode(t, resp, &conflict)
	if conflict.ActiveEntry == nil || conflict.ActiveEntry.UserID != "u1" {
		t.Errorf("conflict = %+v, want u1's active entry for adoption", conflict)
	}
}

func TestServer_StartTimerValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_PauseTimer(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"})
	var entry domain.TimeEntry
	decode(t, resp, &entry)

	resp = postJSON(t, fmt.Sprintf("%s/api/timer/%s/pause", ts.URL, entry.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var closed domain.TimeEntry
	decode(t, resp, &closed)
	if closed.EndTime == nil || closed.Duration == nil {
		t.Errorf("closed = %+v, want end time and duration set", closed)
	}

	// Pausing again is a user-visible failure, no retry
	resp = postJSON(t, fmt.Sprintf("%s/api/timer/%s/pause", ts.URL, entry.ID), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second pause status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_ActiveTimer(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/tasks/t1/timer")
	if err != nil {
		t.Fatal(err)
	}
	var idle ActiveTimerResponse
	decode(t, resp, &idle)
	if idle.ActiveEntry != nil {
		t.Errorf("idle task should have null active entry, got %+v", idle.ActiveEntry)
	}

	postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"}).Body.Close()

	resp, err = http.Get(ts.URL + "/api/tasks/t1/timer")
	if err != nil {
		t.Fatal(err)
	}
	var active ActiveTimerResponse
	decode(t, resp, &active)
	if active.ActiveEntry == nil || active.ActiveEntry.TaskID != "t1" {
		t.Errorf("active = %+v", active.ActiveEntry)
	}
}

func TestServer_CompleteTask(t *testing.T) {
	ts, store := newTestServer(t)

	postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"}).Body.Close()

	resp := postJSON(t, ts.URL+"/api/tasks/t1/complete", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	task, _ := store.GetTask("t1")
	if task.Status != domain.StatusCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	open, _ := store.OpenEntryForTask("t1")
	if open != nil {
		t.Error("open entry should be closed by completion")
	}
}

func TestServer_ListEntries(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/tasks/t1/entries")
	if err != nil {
		t.Fatal(err)
	}
	var empty []domain.TimeEntry
	decode(t, resp, &empty)
	if len(empty) != 0 {
		t.Errorf("entries = %d, want 0", len(empty))
	}

	resp = postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"})
	var entry domain.TimeEntry
	decode(t, resp, &entry)
	postJSON(t, fmt.Sprintf("%s/api/timer/%s/pause", ts.URL, entry.ID), nil).Body.Close()

	resp, err = http.Get(ts.URL + "/api/tasks/t1/entries")
	if err != nil {
		t.Fatal(err)
	}
	var entries []domain.TimeEntry
	decode(t, resp, &entries)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestServer_Stats(t *testing.T) {
	ts, _ := newTestServer(t)

	postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"}).Body.Close()

	start := time.Now().Add(-time.Hour).Format(time.RFC3339)
	end := time.Now().Add(time.Hour).Format(time.RFC3339)
	resp, err := http.Get(fmt.Sprintf("%s/api/users/u1/stats?start=%s&end=%s", ts.URL, start, end))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var report stats.ProductivityStats
	decode(t, resp, &report)
	if report.TotalSessions != 1 {
		t.Errorf("sessions = %d, want 1", report.TotalSessions)
	}

	resp, err = http.Get(ts.URL + "/api/users/u1/stats?start=bogus&end=also-bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_Activities(t *testing.T) {
	ts, _ := newTestServer(t)

	postJSON(t, ts.URL+"/api/tasks/t1/timer/start", StartTimerRequest{UserID: "u1"}).Body.Close()

	resp, err := http.Get(ts.URL + "/api/activities")
	if err != nil {
		t.Fatal(err)
	}
	var activities []domain.AggregatedActivity
	decode(t, resp, &activities)

	if len(activities) != 2 {
		t.Fatalf("activities = %d, want 2", len(activities))
	}
	var ana *domain.AggregatedActivity
	for i := range activities {
		if activities[i].UserID == "u1" {
			ana = &activities[i]
		}
	}
	if ana == nil || !ana.IsActive || ana.CurrentTask == nil {
		t.Errorf("ana = %+v, want active with current task", ana)
	}
}

func TestServer_EventHistory(t *testing.T) {
	ts, store := newTestServer(t)

	store.InsertEvent(timerwire.TimerEvent{Type: timerwire.TypeTimerStart, UserID: "u1", TaskID: "t1", Timestamp: time.Now()})
	store.InsertEvent(timerwire.TimerEvent{Type: timerwire.TypeTimerPause, UserID: "u1", TaskID: "t1", Duration: 60, Timestamp: time.Now()})

	resp, err := http.Get(ts.URL + "/api/events?userId=u1&type=timer_pause")
	if err != nil {
		t.Fatal(err)
	}
	var events []timerwire.TimerEvent
	decode(t, resp, &events)
	if len(events) != 1 || events[0].Duration != 60 {
		t.Errorf("events = %+v, want single pause", events)
	}
}
