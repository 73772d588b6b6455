// Package sqlite implements store.Store over an embedded SQLite database,
// using modernc.org/sqlite (pure Go, no cgo) the way the teacher repo
// does for its own state file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// Config controls pool sizing and timeouts (§6.3 database.* options).
type Config struct {
	Path              string
	MaxConnections    int
	ConnectionTimeout time.Duration
}

// DefaultConfig returns the documented defaults (max_connections=5,
// connection_timeout=30s).
func DefaultConfig(path string) Config {
	return Config{Path: path, MaxConnections: 5, ConnectionTimeout: 30 * time.Second}
}

// Store implements store.Store using SQLite. Every exported method opens
// (or reuses a pooled) connection, runs exactly one transaction or
// statement, and returns before yielding the connection back to the
// pool — no suspension point holds a user-level lock (§5).
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New opens the SQLite database at cfg.Path (creating parent directories
// and schema as needed) and returns a ready Store.
func New(cfg Config) (*Store, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.Database, err, "create database directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "open database %s", cfg.Path)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Database, err, "apply schema")
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Database, err, "create indexes")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Database, err, "create migrations ledger")
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, timeout: cfg.ConnectionTimeout}, nil
}

// applyMigrations runs every entry in migrations not yet recorded in
// schema_migrations. A statement error is tolerated (already applied to
// an older bootstrap of the schema) but still recorded so it is not
// retried on every startup.
func applyMigrations(db *sql.DB) error {
	for _, m := range migrations {
		var exists int
		_ = db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, m.name).Scan(&exists)
		if exists == 1 {
			continue
		}
		_, _ = db.Exec(m.stmt)
		if _, err := db.Exec(`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return errs.Wrap(errs.Database, err, "record migration %s", m.name)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// HealthCheck verifies the database is reachable within the pool timeout.
func (s *Store) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return poolErr(err)
	}
	return nil
}

// Stats exposes pool occupancy for the health_check response.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// poolErr maps a context-deadline error from connection acquisition to
// the documented Database(pool timeout) shape; other errors pass through
// tagged Database.
func poolErr(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return errs.New(errs.Database, "pool timeout")
	}
	return errs.Wrap(errs.Database, err, "database operation failed")
}

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure against the given index/column name. modernc.org/sqlite
// surfaces these as plain string errors, so (as the teacher does for
// "no such table") detection is substring matching on the driver message.
func isUniqueViolation(err error, name string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") && strings.Contains(msg, strings.ToLower(name))
}

const taskColumns = `id, code, name, description, owner_agent_name, state, inserted_at, done_at,
	priority_score, parent_task_id, failure_count, required_capabilities, estimated_effort,
	confidence_threshold, workflow_definition_id, workflow_cursor`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var doneAt, insertedAt, caps string
	var state string
	if err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Description, &t.OwnerAgentName, &state,
		&insertedAt, &doneAt, &t.PriorityScore, &t.ParentTaskID, &t.FailureCount, &caps,
		&t.EstimatedEffort, &t.ConfidenceThreshold, &t.WorkflowDefinitionID, &t.WorkflowCursor); err != nil {
		return domain.Task{}, err
	}
	t.State = domain.TaskState(state)
	var err error
	if t.InsertedAt, err = parseRFC3339(insertedAt); err != nil {
		return domain.Task{}, fmt.Errorf("parse inserted_at %q: %w", insertedAt, err)
	}
	if t.DoneAt, err = parseRFC3339(doneAt); err != nil {
		return domain.Task{}, fmt.Errorf("parse done_at %q: %w", doneAt, err)
	}
	t.RequiredCapabilities = unmarshalStrings(caps)
	return t, nil
}

// Create inserts a new task in state Created with no owner.
func (s *Store) Create(nt store.NewTask) (domain.Task, error) {
	if nt.Code == "" || nt.Name == "" {
		return domain.Task{}, errs.New(errs.Validation, "code and name are required")
	}
	priority := 5.0
	if nt.HasPriorityScore {
		priority = nt.PriorityScore
	}
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks
		(code, name, description, owner_agent_name, state, inserted_at, done_at, priority_score,
		 parent_task_id, failure_count, required_capabilities, estimated_effort, confidence_threshold,
		 workflow_definition_id, workflow_cursor)
		VALUES (?, ?, ?, '', ?, ?, '', ?, ?, 0, ?, ?, ?, '', '')`,
		nt.Code, nt.Name, nt.Description, string(domain.Created), nowUTC(), priority,
		nt.ParentTaskID, marshalStrings(nt.RequiredCapabilities), nt.EstimatedEffort, nt.ConfidenceThreshold)
	if err != nil {
		if isUniqueViolation(err, "idx_tasks_code_active") {
			return domain.Task{}, errs.New(errs.DuplicateCode, "task code %q already in use", nt.Code)
		}
		return domain.Task{}, poolErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, errs.Wrap(errs.Database, err, "read inserted task id")
	}
	t, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.Internal, "task %d vanished after insert", id)
	}
	return t, nil
}

// GetByID returns the task with the given id, or found=false.
func (s *Store) GetByID(id int64) (domain.Task, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, poolErr(err)
	}
	return t, true, nil
}

// GetByCode returns the task with the given code among non-archived
// tasks first; falls back to any archived task sharing the code.
func (s *Store) GetByCode(code string) (domain.Task, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE code = ? AND state <> 'Archived' LIMIT 1`, code)
	t, err := scanTask(row)
	if err == nil {
		return t, true, nil
	}
	if err != sql.ErrNoRows {
		return domain.Task{}, false, poolErr(err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE code = ? ORDER BY id DESC LIMIT 1`, code)
	t, err = scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, poolErr(err)
	}
	return t, true, nil
}

// List applies filter in the query itself — pagination (Limit/Offset)
// is never applied by slicing an in-memory result (§4.1).
func (s *Store) List(f domain.ListFilter) ([]domain.Task, error) {
	var where []string
	var args []any
	if !f.IncludeArchived {
		where = append(where, "state <> 'Archived'")
	}
	if f.Owner != "" {
		where = append(where, "owner_agent_name = ?")
		args = append(args, f.Owner)
	}
	if f.HasState {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "inserted_at >= ?")
		args = append(args, f.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "inserted_at <= ?")
		args = append(args, f.CreatedBefore.UTC().Format(time.RFC3339))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY inserted_at DESC, id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, poolErr(err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan task row")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, poolErr(err)
	}
	return out, nil
}

// Update changes name/description/owner_agent_name. At least one field
// must be set by the caller before reaching the Store (the Coordinator
// validates this); Update itself just applies whatever is non-nil.
func (s *Store) Update(id int64, u store.TaskUpdate) (domain.Task, error) {
	var sets []string
	var args []any
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.OwnerAgentName != nil {
		sets = append(sets, "owner_agent_name = ?")
		args = append(args, *u.OwnerAgentName)
	}
	if len(sets) == 0 {
		return s.mustGet(id)
	}
	args = append(args, id)
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	return s.mustGet(id)
}

func (s *Store) mustGet(id int64) (domain.Task, error) {
	t, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	return t, nil
}

// SetState performs a bare state transition, validating against the
// matrix and applying the done_at side effect (§4.2). It does not touch
// owner_agent_name or sessions — callers needing claim/release semantics
// use Claim/Release instead.
func (s *Store) SetState(id int64, to domain.TaskState) (domain.Task, error) {
	current, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if !domain.AllowedTransition(current.State, to) {
		return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s → %s", current.State, to)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	doneAt := current.DoneAt
	if to == domain.Done && doneAt.IsZero() {
		doneAt = time.Now().UTC()
	}
	doneAtStr := ""
	if !doneAt.IsZero() {
		doneAtStr = doneAt.Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET state = ?, done_at = ? WHERE id = ? AND state = ?`,
		string(to), doneAtStr, id, string(current.State))
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Another request changed the state between our read and write;
		// re-validate against the now-current row for an accurate error.
		latest, found, err := s.GetByID(id)
		if err != nil {
			return domain.Task{}, err
		}
		if !found {
			return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
		}
		if !domain.AllowedTransition(latest.State, to) {
			return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s → %s", latest.State, to)
		}
		return s.SetState(id, to)
	}
	return s.mustGet(id)
}

// Claim is the conditional update that is the system's sole
// serialization point for at-most-one-owner (§4.1, §5): zero rows
// affected with a found id means the task is already claimed.
func (s *Store) Claim(id int64, agent string) (domain.Task, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET owner_agent_name = ?, state = 'InProgress'
		WHERE id = ? AND owner_agent_name = '' AND state = 'Created'`, agent, id)
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return s.mustGet(id)
	}
	current, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if current.State != domain.Created {
		return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s → %s", current.State, domain.InProgress)
	}
	return domain.Task{}, errs.New(errs.AlreadyClaimed, "task %d already claimed by %s", id, current.OwnerAgentName)
}

// Release returns a task to Created, clearing its owner, conditioned on
// the caller being the current owner.
func (s *Store) Release(id int64, agent string, failed bool) (domain.Task, error) {
	current, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if current.OwnerAgentName != agent {
		return domain.Task{}, errs.New(errs.NotOwned, "task %d is not owned by %s", id, agent)
	}
	if !domain.AllowedTransition(current.State, domain.Created) {
		return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s → %s", current.State, domain.Created)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	failureDelta := 0
	if failed {
		failureDelta = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET owner_agent_name = '', state = 'Created', failure_count = failure_count + ?
		WHERE id = ? AND owner_agent_name = ? AND state = ?`, failureDelta, id, agent, string(current.State))
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Task{}, errs.New(errs.NotOwned, "task %d is not owned by %s", id, agent)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE work_sessions SET ended_at = ? WHERE task_id = ? AND ended_at = ''`,
		nowUTC(), id); err != nil {
		return domain.Task{}, poolErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, poolErr(err)
	}
	return s.mustGet(id)
}

// Assign is the administrative reassignment: it ignores the current
// owner and does not require a state transition.
func (s *Store) Assign(id int64, newOwner string) (domain.Task, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET owner_agent_name = ? WHERE id = ?`, newOwner, id)
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	return s.mustGet(id)
}

// Archive transitions a task to Archived from any state, preserving
// done_at and owner for audit (§4.2). Calling it on an already-archived
// task is idempotent (archive(archive(t)) = archive(t), §8).
func (s *Store) Archive(id int64) (domain.Task, error) {
	current, found, err := s.GetByID(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !found {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if current.State == domain.Archived {
		return current, nil
	}
	if !domain.AllowedTransition(current.State, domain.Archived) {
		return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s → %s", current.State, domain.Archived)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET state = 'Archived' WHERE id = ? AND state = ?`, id, string(current.State))
	if err != nil {
		return domain.Task{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return s.Archive(id)
	}
	return s.mustGet(id)
}

// StartSession opens a new WorkSession for taskID, closing any
// previously-open session first (at most one open session per task).
func (s *Store) StartSession(taskID int64, agent string) (int64, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, poolErr(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE work_sessions SET ended_at = ? WHERE task_id = ? AND ended_at = ''`, nowUTC(), taskID); err != nil {
		return 0, poolErr(err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO work_sessions (task_id, agent_name, started_at) VALUES (?, ?, ?)`,
		taskID, agent, nowUTC())
	if err != nil {
		return 0, poolErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.Database, err, "read inserted session id")
	}
	if err := tx.Commit(); err != nil {
		return 0, poolErr(err)
	}
	return id, nil
}

// EndSession closes an open session and records its optional notes and
// productivity score.
func (s *Store) EndSession(sessionID int64, notes string, hasNotes bool, score float64, hasScore bool) error {
	ctx, cancel := s.ctx()
	defer cancel()
	var sets []string
	args := []any{nowUTC()}
	sets = append(sets, "ended_at = ?")
	if hasNotes {
		sets = append(sets, "notes = ?")
		args = append(args, notes)
	}
	if hasScore {
		sets = append(sets, "productivity_score = ?", "has_productivity_score = 1")
		args = append(args, score)
	}
	args = append(args, sessionID)
	res, err := s.db.ExecContext(ctx, `UPDATE work_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND ended_at = ''`, args...)
	if err != nil {
		return poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM work_sessions WHERE id = ?`, sessionID).Scan(&exists)
		if exists == 0 {
			return errs.New(errs.SessionNotFound, "work session %d not found", sessionID)
		}
		return errs.New(errs.SessionNotFound, "work session %d already ended", sessionID)
	}
	return nil
}

// OpenSessionForTask returns the currently-open session for a task, if any.
func (s *Store) OpenSessionForTask(taskID int64) (domain.WorkSession, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, task_id, agent_name, started_at, ended_at, notes, productivity_score, has_productivity_score
		FROM work_sessions WHERE task_id = ? AND ended_at = ''`, taskID)
	var sess domain.WorkSession
	var startedAt, endedAt string
	var hasProd int
	if err := row.Scan(&sess.ID, &sess.TaskID, &sess.AgentName, &startedAt, &endedAt, &sess.Notes, &sess.ProductivityScore, &hasProd); err != nil {
		if err == sql.ErrNoRows {
			return domain.WorkSession{}, false, nil
		}
		return domain.WorkSession{}, false, poolErr(err)
	}
	sess.HasProductivity = hasProd != 0
	var err error
	if sess.StartedAt, err = parseRFC3339(startedAt); err != nil {
		return domain.WorkSession{}, false, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseRFC3339(endedAt); err != nil {
		return domain.WorkSession{}, false, fmt.Errorf("parse ended_at: %w", err)
	}
	return sess, true, nil
}

// CreateMessage appends a message to a task's log after verifying the
// task exists.
func (s *Store) CreateMessage(taskID int64, author, target, body string) (domain.TaskMessage, error) {
	if _, found, err := s.GetByID(taskID); err != nil {
		return domain.TaskMessage{}, err
	} else if !found {
		return domain.TaskMessage{}, errs.New(errs.NotFound, "task %d not found", taskID)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	createdAt := nowUTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_messages (task_id, author_agent_name, target_agent_name, body, created_at)
		VALUES (?, ?, ?, ?, ?)`, taskID, author, target, body, createdAt)
	if err != nil {
		return domain.TaskMessage{}, poolErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TaskMessage{}, errs.Wrap(errs.Database, err, "read inserted message id")
	}
	insertedAt, _ := parseRFC3339(createdAt)
	return domain.TaskMessage{ID: id, TaskID: taskID, AuthorAgentName: author, TargetAgentName: target, Body: body, CreatedAt: insertedAt}, nil
}

// ListMessages returns a task's messages ordered created_at ASC, id ASC.
func (s *Store) ListMessages(taskID int64, since time.Time, hasSince bool, limit int) ([]domain.TaskMessage, error) {
	query := `SELECT id, task_id, author_agent_name, target_agent_name, body, created_at FROM task_messages WHERE task_id = ?`
	args := []any{taskID}
	if hasSince {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, poolErr(err)
	}
	defer rows.Close()
	var out []domain.TaskMessage
	for rows.Next() {
		var m domain.TaskMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AuthorAgentName, &m.TargetAgentName, &m.Body, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan message row")
		}
		if m.CreatedAt, err = parseRFC3339(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, poolErr(err)
	}
	return out, nil
}

// GetWorkspaceContext returns a workspace context by id.
func (s *Store) GetWorkspaceContext(id string) (domain.WorkspaceContext, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT id, task_id, background, constraints, shared_notes, version FROM workspace_contexts WHERE id = ?`, id)
	var wc domain.WorkspaceContext
	var constraints, notes string
	if err := row.Scan(&wc.ID, &wc.TaskID, &wc.Background, &constraints, &notes, &wc.Version); err != nil {
		if err == sql.ErrNoRows {
			return domain.WorkspaceContext{}, false, nil
		}
		return domain.WorkspaceContext{}, false, poolErr(err)
	}
	wc.Constraints = unmarshalStrings(constraints)
	wc.SharedNotes = make(map[string]string)
	if notes != "" && notes != "{}" {
		_ = json.Unmarshal([]byte(notes), &wc.SharedNotes)
	}
	return wc, true, nil
}

// PutWorkspaceContext inserts a new context (Version must be 0) or
// applies an optimistic-concurrency update (§4.1): the caller's Version
// must match the stored version, else Conflict; a missing row is NotFound
// unless the caller is creating (Version 0).
func (s *Store) PutWorkspaceContext(wc domain.WorkspaceContext) (domain.WorkspaceContext, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	constraints := marshalStrings(wc.Constraints)
	notes := "{}"
	if len(wc.SharedNotes) > 0 {
		b, _ := json.Marshal(wc.SharedNotes)
		notes = string(b)
	}

	if wc.Version == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO workspace_contexts (id, task_id, background, constraints, shared_notes, version)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(id) DO NOTHING`, wc.ID, wc.TaskID, wc.Background, constraints, notes)
		if err != nil {
			return domain.WorkspaceContext{}, poolErr(err)
		}
		current, found, err := s.GetWorkspaceContext(wc.ID)
		if err != nil {
			return domain.WorkspaceContext{}, err
		}
		if !found {
			return domain.WorkspaceContext{}, errs.New(errs.Internal, "workspace context %s vanished after insert", wc.ID)
		}
		if current.Version != 1 {
			return domain.WorkspaceContext{}, errs.New(errs.Conflict, "workspace context %s already exists", wc.ID)
		}
		return current, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE workspace_contexts SET background = ?, constraints = ?, shared_notes = ?, version = version + 1
		WHERE id = ? AND version = ?`, wc.Background, constraints, notes, wc.ID, wc.Version)
	if err != nil {
		return domain.WorkspaceContext{}, poolErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		_, found, err := s.GetWorkspaceContext(wc.ID)
		if err != nil {
			return domain.WorkspaceContext{}, err
		}
		if !found {
			return domain.WorkspaceContext{}, errs.New(errs.NotFound, "workspace context %s not found", wc.ID)
		}
		return domain.WorkspaceContext{}, errs.New(errs.Conflict, "workspace context %s was modified concurrently", wc.ID)
	}
	current, _, err := s.GetWorkspaceContext(wc.ID)
	return current, err
}
