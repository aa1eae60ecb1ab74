package domain

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// Task is the narrow task contract the tracking engine depends on. The
// surrounding application owns the full task model; the engine only reads
// titles for event enrichment and advances status around timer activity.
type Task struct {
	ID          string
	Title       string
	ProjectName string
	SprintName  string
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role distinguishes plain collaborators from supervisors, which receive
// every broadcast regardless of acting user.
type Role string

const (
	RoleCollaborator Role = "collaborator"
	RoleSupervisor   Role = "supervisor"
)

// User is a roster entry.
type User struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role Role   `yaml:"role"`
}
