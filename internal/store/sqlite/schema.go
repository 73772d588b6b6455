package sqlite

// schema creates every table the coordination engine persists to. Columns
// use TEXT NOT NULL DEFAULT '' sentinels rather than NULL for optional
// fields (owner_agent_name, done_at, ended_at, ...) so comparisons in the
// conditional-update statements below stay simple equality checks — this
// mirrors the teacher's own all-NOT-NULL-with-defaults schema style.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_agent_name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	inserted_at TEXT NOT NULL,
	done_at TEXT NOT NULL DEFAULT '',
	priority_score REAL NOT NULL DEFAULT 5.0,
	parent_task_id INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	estimated_effort INTEGER NOT NULL DEFAULT 0,
	confidence_threshold REAL NOT NULL DEFAULT 0,
	workflow_definition_id TEXT NOT NULL DEFAULT '',
	workflow_cursor TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS work_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	agent_name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	productivity_score REAL NOT NULL DEFAULT 0,
	has_productivity_score INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	author_agent_name TEXT NOT NULL,
	target_agent_name TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workspace_contexts (
	id TEXT PRIMARY KEY,
	task_id INTEGER NOT NULL,
	background TEXT NOT NULL DEFAULT '',
	constraints TEXT NOT NULL DEFAULT '[]',
	shared_notes TEXT NOT NULL DEFAULT '{}',
	version INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// indexes covers the required indices from §6.2: the partial unique index
// enforcing code-uniqueness among non-archived tasks, plus the lookup
// indices list_tasks and the claim/session paths depend on.
const indexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_code_active ON tasks(code) WHERE state <> 'Archived';
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_agent_name);
CREATE INDEX IF NOT EXISTS idx_tasks_inserted_at ON tasks(inserted_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_work_sessions_open ON work_sessions(task_id) WHERE ended_at = '';
CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, created_at);
`

// migrations are named, idempotent statements applied in order after the
// base schema. Each is recorded in schema_migrations so re-running New
// on an up-to-date database is a no-op; a statement failing because its
// column/table already exists from an older bootstrap is tolerated the
// way the teacher's runMigrations tolerates already-applied ALTERs.
var migrations = []struct {
	name string
	stmt string
}{
	{"0001_workflow_columns", `ALTER TABLE tasks ADD COLUMN workflow_definition_id TEXT NOT NULL DEFAULT ''`},
	{"0002_workflow_cursor", `ALTER TABLE tasks ADD COLUMN workflow_cursor TEXT NOT NULL DEFAULT ''`},
}
