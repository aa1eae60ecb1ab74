package ledger

const schema = `
CREATE TABLE IF NOT EXISTS time_entries (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    user_id TEXT NOT NULL,
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP,
    duration_secs INTEGER
);

-- At most one open entry per task. Start races resolve here: the loser
-- observes a unique constraint violation, not a second open interval.
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_open_task
    ON time_entries(task_id) WHERE end_time IS NULL;

CREATE INDEX IF NOT EXISTS idx_entries_task ON time_entries(task_id);
CREATE INDEX IF NOT EXISTS idx_entries_user ON time_entries(user_id, start_time);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    project_name TEXT NOT NULL DEFAULT '',
    sprint_name TEXT,
    status TEXT NOT NULL DEFAULT 'not_started',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'collaborator'
);

-- Append-only audit copy of broadcast events. Advisory history for humans;
-- never read back to reconstruct timer state.
CREATE TABLE IF NOT EXISTS timer_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    task_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_user ON timer_events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_task ON timer_events(task_id, created_at);
`
