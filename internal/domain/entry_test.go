package domain

import (
	"testing"
	"time"
)

func TestTimeEntry_Open(t *testing.T) {
	entry := &TimeEntry{ID: "e1", StartTime: time.Now()}
	if !entry.Open() {
		t.Error("entry without end time should be open")
	}

	end := time.Now()
	entry.EndTime = &end
	if entry.Open() {
		t.Error("entry with end time should be closed")
	}
}

func TestTimeEntry_Elapsed(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(95 * time.Second)

	open := &TimeEntry{StartTime: start}
	if got := open.Elapsed(now); got != 95*time.Second {
		t.Errorf("open elapsed = %v, want 95s", got)
	}

	end := start.Add(10 * time.Second)
	dur := int64(10)
	closed := &TimeEntry{StartTime: start, EndTime: &end, Duration: &dur}
	if got := closed.Elapsed(now); got != 10*time.Second {
		t.Errorf("closed elapsed = %v, want stored 10s", got)
	}
}
