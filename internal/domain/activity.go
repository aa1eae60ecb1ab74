package domain

import "time"

// ActivityTask describes the task a collaborator is currently clocked
// into, including the freeze-frame fields live events carry.
type ActivityTask struct {
	TaskID      string    `json:"taskId"`
	Title       string    `json:"title"`
	ProjectName string    `json:"projectName"`
	SprintName  string    `json:"sprintName,omitempty"`
	StartTime   time.Time `json:"startTime"`
	Elapsed     int64     `json:"elapsed"` // seconds shown, live events win over wall clock
	IsPaused    bool      `json:"isPaused"`
}

// DayStats are today's counters for one collaborator.
type DayStats struct {
	Completed  int   `json:"completed"`
	InProgress int   `json:"inProgress"`
	TimeWorked int64 `json:"timeWorked"` // seconds
}

// AggregatedActivity is the supervisor-facing "who is doing what right
// now" row. It is derived state: rebuilt from snapshot polls, mutated in
// place by live events, never persisted.
type AggregatedActivity struct {
	UserID      string        `json:"userId"`
	UserName    string        `json:"userName"`
	IsActive    bool          `json:"isActive"`
	CurrentTask *ActivityTask `json:"currentTask,omitempty"`
	TodayStats  DayStats      `json:"todayStats"`
}
