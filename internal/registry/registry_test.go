package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/domain"
	"github.com/crewbase/timetrack/internal/ledger"
)

func newTestRegistry(t *testing.T) (*Registry, *ledger.Store) {
	t.Helper()
	store, err := ledger.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	err = store.UpsertTask(&domain.Task{
		ID:          "task-1",
		Title:       "Draft onboarding flow",
		ProjectName: "Portal",
		Status:      domain.StatusNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatal(err)
	}

	return New(store, zerolog.Nop()), store
}

func TestRegistry_StartAdvancesTaskStatus(t *testing.T) {
	reg, store := newTestRegistry(t)

	entry, err := reg.Start("task-1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Open() {
		t.Error("new entry should be open")
	}

	task, _ := store.GetTask("task-1")
	if task.Status != domain.StatusInProgress {
		t.Errorf("status = %q, want in_progress", task.Status)
	}
}

func TestRegistry_StartConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Start("task-1", "u1"); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Start("task-1", "u2")
	if !errors.Is(err, domain.ErrTimerConflict) {
		t.Fatalf("got %v, want ErrTimerConflict", err)
	}

	// The loser adopts the winner's entry via Query
	open, err := reg.Query("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if open == nil || open.UserID != "u1" {
		t.Errorf("open entry = %+v, want u1's entry", open)
	}
}

func TestRegistry_ConcurrentStart(t *testing.T) {
	reg, _ := newTestRegistry(t)

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Start("task-1", "u1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, conflicts int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrTimerConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != racers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, racers-1)
	}
}

func TestRegistry_PauseClosesEntry(t *testing.T) {
	reg, _ := newTestRegistry(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return start }

	entry, err := reg.Start("task-1", "u1")
	if err != nil {
		t.Fatal(err)
	}

	// Pause at 10:00:10, per-second updates in between are irrelevant
	reg.now = func() time.Time { return start.Add(10 * time.Second) }
	closed, err := reg.Pause(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *closed.Duration != 10 {
		t.Errorf("duration = %d, want 10", *closed.Duration)
	}

	// Task is startable again
	if _, err := reg.Start("task-1", "u1"); err != nil {
		t.Errorf("restart after pause failed: %v", err)
	}
}

func TestRegistry_PauseMissingEntry(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Pause("nope")
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("got %v, want ErrEntryNotFound", err)
	}
}

func TestRegistry_Complete(t *testing.T) {
	reg, store := newTestRegistry(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return start }
	if _, err := reg.Start("task-1", "u1"); err != nil {
		t.Fatal(err)
	}

	reg.now = func() time.Time { return start.Add(90 * time.Second) }
	closed, err := reg.Complete("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if closed == nil || *closed.Duration != 90 {
		t.Fatalf("closed = %+v, want 90s entry", closed)
	}

	task, _ := store.GetTask("task-1")
	if task.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}

	// Completing an idle task just flips status
	store.UpsertTask(&domain.Task{ID: "task-2", Title: "x", Status: domain.StatusNotStarted, CreatedAt: start, UpdatedAt: start})
	closed, err = reg.Complete("task-2")
	if err != nil {
		t.Fatal(err)
	}
	if closed != nil {
		t.Errorf("closed = %+v, want nil for idle task", closed)
	}
}

func TestRegistry_QueryIdle(t *testing.T) {
	reg, _ := newTestRegistry(t)

	open, err := reg.Query("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Errorf("open = %+v, want nil", open)
	}
}
