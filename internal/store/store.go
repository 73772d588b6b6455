// Package store declares the persistence boundary the Coordinator and
// Messaging components program against (§9: "a single narrow interface
// surface at the Store boundary so the coordinator is testable against
// an in-memory double"). internal/store/sqlite provides the only
// production implementation.
package store

import (
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
)

// NewTask carries the fields a caller supplies when creating a task.
// When HasPriorityScore is false the Store, not the caller, applies the
// default priority 5.0; ConfidenceThreshold is stored as given (0 if unset).
type NewTask struct {
	Code                 string
	Name                 string
	Description          string
	PriorityScore        float64
	HasPriorityScore     bool
	ParentTaskID         int64
	RequiredCapabilities []string
	EstimatedEffort      int
	ConfidenceThreshold  float64
}

// TaskUpdate carries the optional fields update_task may change. A nil
// pointer means "leave unchanged".
type TaskUpdate struct {
	Name           *string
	Description    *string
	OwnerAgentName *string
}

// TaskStore is the Store's task-lifecycle surface (§4.1).
type TaskStore interface {
	Create(t NewTask) (domain.Task, error)
	Update(id int64, u TaskUpdate) (domain.Task, error)
	SetState(id int64, to domain.TaskState) (domain.Task, error)
	GetByID(id int64) (domain.Task, bool, error)
	GetByCode(code string) (domain.Task, bool, error)
	List(f domain.ListFilter) ([]domain.Task, error)
	Claim(id int64, agent string) (domain.Task, error)
	Release(id int64, agent string, failed bool) (domain.Task, error)
	Assign(id int64, newOwner string) (domain.Task, error)
	Archive(id int64) (domain.Task, error)

	StartSession(taskID int64, agent string) (int64, error)
	EndSession(sessionID int64, notes string, hasNotes bool, score float64, hasScore bool) error
	OpenSessionForTask(taskID int64) (domain.WorkSession, bool, error)
}

// MessageStore is the Messaging component's persistence surface (§4.4).
type MessageStore interface {
	CreateMessage(taskID int64, author, target, body string) (domain.TaskMessage, error)
	ListMessages(taskID int64, since time.Time, hasSince bool, limit int) ([]domain.TaskMessage, error)
}

// WorkspaceContextStore is the optimistic-concurrency surface for
// WorkspaceContext and analogous keyed aggregates (§4.1).
type WorkspaceContextStore interface {
	GetWorkspaceContext(id string) (domain.WorkspaceContext, bool, error)
	PutWorkspaceContext(wc domain.WorkspaceContext) (domain.WorkspaceContext, error)
}

// Store is the full persistence boundary: task lifecycle, messaging,
// workspace contexts, and a liveness probe.
type Store interface {
	TaskStore
	MessageStore
	WorkspaceContextStore
	HealthCheck() error
	Close() error
}
