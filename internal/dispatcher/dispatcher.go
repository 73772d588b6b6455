// Package dispatcher exposes the coordination engine's fixed JSON-RPC
// 2.0 method surface (§4.5 of the spec). It decodes typed parameters,
// invokes the Coordinator/Messaging components, and maps every error to
// a stable numeric JSON-RPC code — it never recovers locally.
package dispatcher

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response object. Result and Error are
// mutually exclusive; exactly one is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes per §4.5's mapping table.
const (
	codeNotFound               = -32001
	codeValidation             = -32002
	codeDuplicateCode          = -32003
	codeInvalidStateTransition = -32004
	codeDatabase               = -32005
	codeProtocol               = -32006
	codeSerialization          = -32007
)

// codeFor maps an errs.Kind to its JSON-RPC code. AlreadyClaimed,
// NotOwned, InsufficientCapabilities, CircuitBreakerOpen and Conflict
// have no code of their own (§4.5): they are client-correctable
// "the request's premise doesn't hold" conditions, so they are mapped to
// Validation, same as a malformed-parameter error. Internal, having no
// client-actionable shape, maps to Database so it is never mistaken for
// a retriable protocol issue. SessionNotFound is absent from §4.5's table
// entirely; it shares NotFound's shape (end_work_session addressing a
// session that doesn't exist), so it shares NotFound's code.
func codeFor(k errs.Kind) int {
	switch k {
	case errs.NotFound, errs.SessionNotFound:
		return codeNotFound
	case errs.Validation, errs.AlreadyClaimed, errs.NotOwned, errs.InsufficientCaps, errs.CircuitOpen, errs.Conflict:
		return codeValidation
	case errs.DuplicateCode:
		return codeDuplicateCode
	case errs.InvalidStateTransition:
		return codeInvalidStateTransition
	case errs.Protocol:
		return codeProtocol
	case errs.Serialization:
		return codeSerialization
	case errs.Database, errs.Internal:
		return codeDatabase
	default:
		return codeDatabase
	}
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, err error) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: codeFor(errs.KindOf(err)), Message: err.Error()}}
}

func resultResponse(id json.RawMessage, result any) Response {
	if id == nil {
		id = nullID
	}
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// TaskCoordinator is the subset of coordinator.Coordinator the
// Dispatcher depends on, kept as an interface so dispatcher tests don't
// need a real Store/Breaker wired up.
type TaskCoordinator interface {
	CreateTask(nt store.NewTask) (domain.Task, error)
	UpdateTask(id int64, u store.TaskUpdate) (domain.Task, error)
	SetTaskState(id int64, to domain.TaskState) (domain.Task, error)
	GetTaskByID(id int64) (domain.Task, bool, error)
	GetTaskByCode(code string) (domain.Task, bool, error)
	ListTasks(f domain.ListFilter) ([]domain.Task, error)
	AssignTask(id int64, newOwner string) (domain.Task, error)
	ArchiveTask(id int64) (domain.Task, error)
	DiscoverWork(agent string, capabilities []string, maxTasks int) ([]domain.Task, error)
	ClaimTask(id int64, agent string, capabilities []string, hasCapabilities bool) (domain.Task, error)
	ReleaseTask(id int64, agent string, failed bool) (domain.Task, error)
	StartWorkSession(id int64, agent string) (int64, error)
	EndWorkSession(sessionID int64, notes string, hasNotes bool, score float64, hasScore bool) error
}

// TaskMessenger is the subset of messaging.Messaging the Dispatcher uses.
type TaskMessenger interface {
	Create(taskID int64, author, target, body string) (domain.TaskMessage, error)
	List(taskID int64, since time.Time, hasSince bool, limit int) ([]domain.TaskMessage, error)
}

// HealthChecker is consulted by health_check.
type HealthChecker interface {
	HealthCheck() error
}

// PoolStatser optionally augments HealthChecker with connection pool
// occupancy (sqlite.Store implements this via database/sql.DB.Stats).
type PoolStatser interface {
	Stats() sql.DBStats
}

// BreakerStatser optionally augments health_check with the number of
// currently-open circuit breakers (circuitbreaker.Registry implements
// this).
type BreakerStatser interface {
	OpenCount() int
}

// Dispatcher routes decoded JSON-RPC requests to the Coordinator and
// Messaging components.
type Dispatcher struct {
	coordinator TaskCoordinator
	messages    TaskMessenger
	health      HealthChecker
	breaker     BreakerStatser
}

// Option configures optional Dispatcher dependencies.
type Option func(*Dispatcher)

// WithBreakerStats wires a circuit breaker registry so health_check can
// report how many breakers are currently open.
func WithBreakerStats(b BreakerStatser) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// New builds a Dispatcher. health may be nil if no store health probe is
// wired (tests commonly omit it).
func New(coordinator TaskCoordinator, messages TaskMessenger, health HealthChecker, opts ...Option) *Dispatcher {
	d := &Dispatcher{coordinator: coordinator, messages: messages, health: health}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes and executes a single already-unmarshaled request,
// returning the JSON-RPC response that should be written back. It never
// returns a Go error: transport problems around reading/writing bytes
// are the transport layer's concern, not this function's.
func (d *Dispatcher) Handle(req Request) Response {
	if req.Method == "" {
		return errorResponse(req.ID, errs.New(errs.Protocol, "missing method"))
	}
	fn, ok := methodTable[req.Method]
	if !ok {
		return errorResponse(req.ID, errs.New(errs.Protocol, "unknown method %q", req.Method))
	}
	result, err := fn(d, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

// HandleRaw decodes a raw JSON-RPC request body and calls Handle,
// covering the "malformed JSON" branch of §4.5 with a Protocol error
// whose id is always null (the id inside unparseable JSON cannot be
// trusted).
func (d *Dispatcher) HandleRaw(body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, errs.New(errs.Protocol, "malformed JSON request"))
	}
	return d.Handle(req)
}

type methodFunc func(d *Dispatcher, params json.RawMessage) (any, error)

var methodTable = map[string]methodFunc{
	"create_task":         (*Dispatcher).handleCreateTask,
	"update_task":         (*Dispatcher).handleUpdateTask,
	"set_task_state":      (*Dispatcher).handleSetTaskState,
	"get_task_by_id":      (*Dispatcher).handleGetTaskByID,
	"get_task_by_code":    (*Dispatcher).handleGetTaskByCode,
	"list_tasks":          (*Dispatcher).handleListTasks,
	"assign_task":         (*Dispatcher).handleAssignTask,
	"archive_task":        (*Dispatcher).handleArchiveTask,
	"health_check":        (*Dispatcher).handleHealthCheck,
	"discover_work":       (*Dispatcher).handleDiscoverWork,
	"claim_task":          (*Dispatcher).handleClaimTask,
	"release_task":        (*Dispatcher).handleReleaseTask,
	"start_work_session":  (*Dispatcher).handleStartWorkSession,
	"end_work_session":    (*Dispatcher).handleEndWorkSession,
	"create_task_message": (*Dispatcher).handleCreateTaskMessage,
	"get_task_messages":   (*Dispatcher).handleGetTaskMessages,
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.Validation, err, "malformed parameters")
	}
	return nil
}
