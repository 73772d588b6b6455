// Package domain holds the coordination engine's entities. It has no
// dependencies on other internal packages so it can be shared by the
// Store, Coordinator, Messaging and Dispatcher without import cycles.
package domain

import "time"

// TaskState is one of the task lifecycle states (§4.2 of the spec).
type TaskState string

const (
	Created    TaskState = "Created"
	InProgress TaskState = "InProgress"
	Blocked    TaskState = "Blocked"
	Review     TaskState = "Review"
	Done       TaskState = "Done"
	Archived   TaskState = "Archived"
)

// transitions is the lifecycle transition matrix. A (from, to) pair not
// present here is rejected with InvalidStateTransition, including the
// diagonal (s, s) — see SPEC_FULL.md's Open Question decision.
var transitions = map[TaskState]map[TaskState]bool{
	Created:    {InProgress: true, Archived: true},
	InProgress: {Created: true, Blocked: true, Review: true, Done: true, Archived: true},
	Blocked:    {InProgress: true, Archived: true},
	Review:     {InProgress: true, Done: true, Archived: true},
	Done:       {Review: true, Archived: true},
	Archived:   {},
}

// AllowedTransition reports whether from -> to appears in the matrix.
func AllowedTransition(from, to TaskState) bool {
	return transitions[from][to]
}

// RequiresOwner reports whether a task in this state must carry a
// non-empty OwnerAgentName (§3 invariant).
func RequiresOwner(s TaskState) bool {
	return s == InProgress || s == Review || s == Blocked
}

// Task is the unit of work coordinated across agents.
type Task struct {
	ID                   int64
	Code                 string
	Name                 string
	Description          string
	OwnerAgentName       string // empty when unclaimed
	State                TaskState
	InsertedAt           time.Time
	DoneAt               time.Time // zero until first entering Done
	PriorityScore        float64
	ParentTaskID         int64 // 0 means none
	FailureCount         int
	RequiredCapabilities []string
	EstimatedEffort      int // minutes, 0 means unset
	ConfidenceThreshold  float64
	WorkflowDefinitionID string
	WorkflowCursor       string
}

// HasOwner reports whether the task currently carries a claimant.
func (t Task) HasOwner() bool { return t.OwnerAgentName != "" }

// WorkSession is a time-bounded claim window over a task.
type WorkSession struct {
	ID                int64
	TaskID            int64
	AgentName         string
	StartedAt         time.Time
	EndedAt           time.Time // zero while open
	Notes             string
	ProductivityScore float64
	HasProductivity   bool
}

// Open reports whether the session has not yet been ended.
func (s WorkSession) Open() bool { return s.EndedAt.IsZero() }

// TaskMessage is an append-only note attached to a task.
type TaskMessage struct {
	ID              int64
	TaskID          int64
	AuthorAgentName string
	TargetAgentName string // optional
	Body            string
	CreatedAt       time.Time
}

// BreakerState is one of the circuit breaker's three states (§4.3).
type BreakerState string

const (
	Closed   BreakerState = "Closed"
	Open     BreakerState = "Open"
	HalfOpen BreakerState = "HalfOpen"
)

// FailureType enumerates the circuit breaker's guarded operation kinds.
type FailureType string

const (
	FailureClaim     FailureType = "Claim"
	FailureWork      FailureType = "Work"
	FailureTransport FailureType = "Transport"
)

// ListFilter narrows Store.List. Zero values mean "no filter" for that
// dimension; pagination (Limit/Offset) is always applied in the query.
type ListFilter struct {
	Owner           string
	State           TaskState
	HasState        bool
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	IncludeArchived bool
	Limit           int
	Offset          int
}

// WorkspaceContext is a mutable, optimistically-locked keyed aggregate
// (§4.1's "WorkspaceContext and analogous keyed aggregates").
type WorkspaceContext struct {
	ID          string
	TaskID      int64
	Background  string
	Constraints []string
	SharedNotes map[string]string
	Version     int
}
