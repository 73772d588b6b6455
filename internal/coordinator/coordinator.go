// Package coordinator implements the task lifecycle state machine, the
// claim/release protocol, work-session tracking, and capability-based
// discovery (§4.1, §4.2 of the spec) against the narrow store.Store
// boundary so it can be exercised in tests without a real database.
package coordinator

import (
	"sort"
	"strings"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/messaging"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// Breaker is the subset of circuitbreaker.Registry the Coordinator
// consults — kept as an interface so coordinator tests can fake it.
type Breaker interface {
	Allow(agent string, kind domain.FailureType) error
	Execute(agent string, kind domain.FailureType, fn func() error) error
}

// Coordinator implements the core task, claim, and discovery operations.
type Coordinator struct {
	tasks    store.TaskStore
	breaker  Breaker
	messages *messaging.Messaging
}

// New builds a Coordinator over the given store and circuit breaker.
// messages may be nil, in which case Assign skips emitting a handoff
// notice (used by tests that only exercise lifecycle/claim behavior).
func New(tasks store.TaskStore, breaker Breaker, messages *messaging.Messaging) *Coordinator {
	return &Coordinator{tasks: tasks, breaker: breaker, messages: messages}
}

// CreateTask validates and inserts a new task (§3, §6.1 create_task).
func (c *Coordinator) CreateTask(nt store.NewTask) (domain.Task, error) {
	nt.Code = strings.TrimSpace(nt.Code)
	nt.Name = strings.TrimSpace(nt.Name)
	if nt.Code == "" {
		return domain.Task{}, errs.New(errs.Validation, "code is required")
	}
	if nt.Name == "" {
		return domain.Task{}, errs.New(errs.Validation, "name is required")
	}
	return c.tasks.Create(nt)
}

// UpdateTask applies a partial update, requiring at least one field set.
func (c *Coordinator) UpdateTask(id int64, u store.TaskUpdate) (domain.Task, error) {
	if u.Name == nil && u.Description == nil && u.OwnerAgentName == nil {
		return domain.Task{}, errs.New(errs.Validation, "update_task requires at least one of name, description, owner_agent_name")
	}
	return c.tasks.Update(id, u)
}

// SetTaskState performs a bare lifecycle transition.
func (c *Coordinator) SetTaskState(id int64, to domain.TaskState) (domain.Task, error) {
	return c.tasks.SetState(id, to)
}

// GetTaskByID, GetTaskByCode, ListTasks are read-only passthroughs; the
// Coordinator does not add behavior beyond the Store's own semantics for
// these operations.
func (c *Coordinator) GetTaskByID(id int64) (domain.Task, bool, error) { return c.tasks.GetByID(id) }
func (c *Coordinator) GetTaskByCode(code string) (domain.Task, bool, error) {
	return c.tasks.GetByCode(code)
}
func (c *Coordinator) ListTasks(f domain.ListFilter) ([]domain.Task, error) {
	return c.tasks.List(f)
}

// ArchiveTask transitions a task to Archived (idempotent, §8).
func (c *Coordinator) ArchiveTask(id int64) (domain.Task, error) {
	return c.tasks.Archive(id)
}

// AssignTask performs the administrative reassignment described in
// §4.4: it bypasses ownership checks and, when a Messaging component is
// wired, emits a system-authored handoff notice to the new owner.
func (c *Coordinator) AssignTask(id int64, newOwner string) (domain.Task, error) {
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" {
		return domain.Task{}, errs.New(errs.Validation, "owner_agent_name is required")
	}
	t, err := c.tasks.Assign(id, newOwner)
	if err != nil {
		return domain.Task{}, err
	}
	if c.messages != nil {
		_, _ = c.messages.SystemNotice(id, newOwner, "task "+t.Code+" reassigned to you")
	}
	return t, nil
}

// ClaimTask implements the claim protocol (§4.2): breaker check,
// optional capability enforcement, conditional store claim, then
// opening a work session.
func (c *Coordinator) ClaimTask(id int64, agent string, capabilities []string, hasCapabilities bool) (domain.Task, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return domain.Task{}, errs.New(errs.Validation, "agent_name is required")
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(agent, domain.FailureClaim); err != nil {
			return domain.Task{}, err
		}
	}

	if hasCapabilities {
		task, found, err := c.tasks.GetByID(id)
		if err != nil {
			return domain.Task{}, err
		}
		if !found {
			return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
		}
		if missing := missingCapabilities(task.RequiredCapabilities, capabilities); len(missing) > 0 {
			return domain.Task{}, errs.New(errs.InsufficientCaps, "agent %s missing capabilities %v", agent, missing)
		}
	}

	var claimed domain.Task
	execErr := c.runBreakered(agent, domain.FailureClaim, func() error {
		t, err := c.tasks.Claim(id, agent)
		if err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if execErr != nil {
		return domain.Task{}, execErr
	}

	if _, err := c.tasks.StartSession(id, agent); err != nil {
		return domain.Task{}, err
	}
	return claimed, nil
}

// ReleaseTask implements the release protocol (§4.2): owner check,
// session close, state transition to Created, and — when failed is
// true — a recorded circuit breaker failure for (agent, Work). The
// Release call itself is not guarded by the breaker (an agent must
// always be able to release what it holds); only the outcome it
// reports is fed back into the breaker's accounting.
func (c *Coordinator) ReleaseTask(id int64, agent string, failed bool) (domain.Task, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return domain.Task{}, errs.New(errs.Validation, "agent_name is required")
	}
	released, err := c.tasks.Release(id, agent, failed)
	if err != nil {
		return domain.Task{}, err
	}
	if c.breaker != nil {
		_ = c.breaker.Execute(agent, domain.FailureWork, func() error {
			if failed {
				return errs.New(errs.Internal, "work session reported failure")
			}
			return nil
		})
	}
	return released, nil
}

// runBreakered executes fn under the breaker for (agent, kind) when a
// breaker is configured, else runs it directly.
func (c *Coordinator) runBreakered(agent string, kind domain.FailureType, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(agent, kind, fn)
}

// StartWorkSession opens a new session for an already-claimed task.
func (c *Coordinator) StartWorkSession(id int64, agent string) (int64, error) {
	task, found, err := c.tasks.GetByID(id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errs.New(errs.NotFound, "task %d not found", id)
	}
	if !task.HasOwner() || task.OwnerAgentName != agent {
		return 0, errs.New(errs.NotOwned, "task %d is not owned by %s", id, agent)
	}
	return c.tasks.StartSession(id, agent)
}

// EndWorkSession closes a session with optional notes/productivity score.
func (c *Coordinator) EndWorkSession(sessionID int64, notes string, hasNotes bool, score float64, hasScore bool) error {
	if hasScore && (score < 0 || score > 1) {
		return errs.New(errs.Validation, "productivity_score must be in [0,1]")
	}
	return c.tasks.EndSession(sessionID, notes, hasNotes, score, hasScore)
}

// DiscoverWork implements §4.1's capability-based discovery: filter to
// unclaimed Created tasks, then to those whose required_capabilities is
// a subset of the agent's declared capabilities, sorted by
// (priority_score DESC, inserted_at ASC, id ASC), capped at maxTasks.
func (c *Coordinator) DiscoverWork(agent string, capabilities []string, maxTasks int) ([]domain.Task, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, errs.New(errs.Validation, "agent_name is required")
	}
	if maxTasks < 1 || maxTasks > 100 {
		return nil, errs.New(errs.Validation, "max_tasks must be in [1, 100]")
	}

	candidates, err := c.tasks.List(domain.ListFilter{HasState: true, State: domain.Created, Limit: 1000})
	if err != nil {
		return nil, err
	}
	have := toSet(capabilities)
	var matched []domain.Task
	for _, t := range candidates {
		if t.HasOwner() {
			continue
		}
		if !subsetOf(t.RequiredCapabilities, have) {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.InsertedAt.Equal(b.InsertedAt) {
			return a.InsertedAt.Before(b.InsertedAt)
		}
		return a.ID < b.ID
	})
	if len(matched) > maxTasks {
		matched = matched[:maxTasks]
	}
	return matched, nil
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func subsetOf(required []string, have map[string]bool) bool {
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

func missingCapabilities(required, have []string) []string {
	set := toSet(have)
	var missing []string
	for _, r := range required {
		if !set[r] {
			missing = append(missing, r)
		}
	}
	return missing
}
