package dispatcher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// createTaskParams is create_task's parameter contract: code, name,
// description required (§4.5's parameter table).
type createTaskParams struct {
	Code                 string   `json:"code"`
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	PriorityScore        *float64 `json:"priority_score"`
	ParentTaskID         int64    `json:"parent_task_id"`
	RequiredCapabilities []string `json:"required_capabilities"`
	EstimatedEffort      int      `json:"estimated_effort"`
	ConfidenceThreshold  float64  `json:"confidence_threshold"`
}

func (d *Dispatcher) handleCreateTask(raw json.RawMessage) (any, error) {
	var p createTaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Code) == "" || strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Description) == "" {
		return nil, errs.New(errs.Validation, "code, name, and description are required")
	}
	nt := store.NewTask{
		Code: p.Code, Name: p.Name, Description: p.Description,
		ParentTaskID: p.ParentTaskID, RequiredCapabilities: p.RequiredCapabilities,
		EstimatedEffort: p.EstimatedEffort, ConfidenceThreshold: p.ConfidenceThreshold,
	}
	if p.PriorityScore != nil {
		nt.HasPriorityScore = true
		nt.PriorityScore = *p.PriorityScore
	}
	return d.coordinator.CreateTask(nt)
}

// updateTaskParams is update_task's parameter contract: id required,
// at least one of {name, description, owner_agent_name} required.
type updateTaskParams struct {
	ID             int64   `json:"id"`
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	OwnerAgentName *string `json:"owner_agent_name"`
}

func (d *Dispatcher) handleUpdateTask(raw json.RawMessage) (any, error) {
	var p updateTaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, errs.New(errs.Validation, "id is required")
	}
	return d.coordinator.UpdateTask(p.ID, store.TaskUpdate{Name: p.Name, Description: p.Description, OwnerAgentName: p.OwnerAgentName})
}

type setTaskStateParams struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
}

func (d *Dispatcher) handleSetTaskState(raw json.RawMessage) (any, error) {
	var p setTaskStateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 || p.State == "" {
		return nil, errs.New(errs.Validation, "id and state are required")
	}
	return d.coordinator.SetTaskState(p.ID, domain.TaskState(p.State))
}

type idParams struct {
	ID int64 `json:"id"`
}

func (d *Dispatcher) handleGetTaskByID(raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, errs.New(errs.Validation, "id is required")
	}
	t, found, err := d.coordinator.GetTaskByID(p.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "task %d not found", p.ID)
	}
	return t, nil
}

type codeParams struct {
	Code string `json:"code"`
}

func (d *Dispatcher) handleGetTaskByCode(raw json.RawMessage) (any, error) {
	var p codeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, errs.New(errs.Validation, "code is required")
	}
	t, found, err := d.coordinator.GetTaskByCode(p.Code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.New(errs.NotFound, "task with code %q not found", p.Code)
	}
	return t, nil
}

// listTasksParams is list_tasks's parameter contract: any subset of
// {owner, state, created_after, created_before, limit, offset}.
type listTasksParams struct {
	Owner           string  `json:"owner"`
	State           *string `json:"state"`
	CreatedAfter    *string `json:"created_after"`
	CreatedBefore   *string `json:"created_before"`
	IncludeArchived bool    `json:"include_archived"`
	Limit           int     `json:"limit"`
	Offset          int     `json:"offset"`
}

func (d *Dispatcher) handleListTasks(raw json.RawMessage) (any, error) {
	var p listTasksParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit < 0 || p.Limit > 1000 {
		return nil, errs.New(errs.Validation, "limit must be in [0, 1000]")
	}
	if p.Offset < 0 {
		return nil, errs.New(errs.Validation, "offset must be >= 0")
	}
	f := domain.ListFilter{Owner: p.Owner, IncludeArchived: p.IncludeArchived, Limit: p.Limit, Offset: p.Offset}
	if p.State != nil {
		f.HasState = true
		f.State = domain.TaskState(*p.State)
	}
	if p.CreatedAfter != nil {
		t, err := time.Parse(time.RFC3339, *p.CreatedAfter)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, err, "created_after must be RFC 3339")
		}
		f.CreatedAfter = t
	}
	if p.CreatedBefore != nil {
		t, err := time.Parse(time.RFC3339, *p.CreatedBefore)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, err, "created_before must be RFC 3339")
		}
		f.CreatedBefore = t
	}
	tasks, err := d.coordinator.ListTasks(f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

type assignTaskParams struct {
	ID             int64  `json:"id"`
	OwnerAgentName string `json:"owner_agent_name"`
}

func (d *Dispatcher) handleAssignTask(raw json.RawMessage) (any, error) {
	var p assignTaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 || p.OwnerAgentName == "" {
		return nil, errs.New(errs.Validation, "id and owner_agent_name are required")
	}
	return d.coordinator.AssignTask(p.ID, p.OwnerAgentName)
}

func (d *Dispatcher) handleArchiveTask(raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, errs.New(errs.Validation, "id is required")
	}
	return d.coordinator.ArchiveTask(p.ID)
}

// healthStatus is health_check's response shape. PoolInUse/PoolIdle and
// CircuitBreakersOpen are omitted (zero value) when the wired health
// checker or breaker registry doesn't expose that detail.
type healthStatus struct {
	Status              string `json:"status"`
	PoolInUse           int    `json:"pool_in_use,omitempty"`
	PoolIdle            int    `json:"pool_idle,omitempty"`
	CircuitBreakersOpen int    `json:"circuit_breakers_open,omitempty"`
}

func (d *Dispatcher) handleHealthCheck(raw json.RawMessage) (any, error) {
	status := "ok"
	if d.health != nil {
		if err := d.health.HealthCheck(); err != nil {
			status = "degraded"
		}
	}
	result := healthStatus{Status: status}
	if ps, ok := d.health.(PoolStatser); ok {
		stats := ps.Stats()
		result.PoolInUse = stats.InUse
		result.PoolIdle = stats.Idle
	}
	if d.breaker != nil {
		result.CircuitBreakersOpen = d.breaker.OpenCount()
	}
	return result, nil
}

// discoverWorkParams is discover_work's parameter contract: agent_name,
// capabilities, max_tasks (1-100) required.
type discoverWorkParams struct {
	AgentName    string   `json:"agent_name"`
	Capabilities []string `json:"capabilities"`
	MaxTasks     int      `json:"max_tasks"`
}

// discoverWorkResult wraps the matched tasks with a suggestion token — an
// opaque id an agent may echo back in a follow-up claim_task call so
// logs can correlate which discovery batch a claim attempt came from.
// It is advisory only: claim_task does not require or validate it.
type discoverWorkResult struct {
	SuggestionToken string        `json:"suggestion_token"`
	Tasks           []domain.Task `json:"tasks"`
}

func (d *Dispatcher) handleDiscoverWork(raw json.RawMessage) (any, error) {
	var p discoverWorkParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AgentName == "" {
		return nil, errs.New(errs.Validation, "agent_name is required")
	}
	if !hasField(raw, "capabilities") {
		return nil, errs.New(errs.Validation, "capabilities is required")
	}
	if p.MaxTasks < 1 || p.MaxTasks > 100 {
		return nil, errs.New(errs.Validation, "max_tasks must be in [1, 100]")
	}
	tasks, err := d.coordinator.DiscoverWork(p.AgentName, p.Capabilities, p.MaxTasks)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return discoverWorkResult{SuggestionToken: uuid.New().String(), Tasks: tasks}, nil
}

func (d *Dispatcher) handleClaimTask(raw json.RawMessage) (any, error) {
	var body struct {
		ID           int64    `json:"id"`
		AgentName    string   `json:"agent_name"`
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeParams(raw, &body); err != nil {
		return nil, err
	}
	if body.ID == 0 || body.AgentName == "" {
		return nil, errs.New(errs.Validation, "id and agent_name are required")
	}
	hasCaps := hasField(raw, "capabilities")
	return d.coordinator.ClaimTask(body.ID, body.AgentName, body.Capabilities, hasCaps)
}

type releaseTaskParams struct {
	ID        int64  `json:"id"`
	AgentName string `json:"agent_name"`
	Failed    bool   `json:"failed"`
}

func (d *Dispatcher) handleReleaseTask(raw json.RawMessage) (any, error) {
	var p releaseTaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 || p.AgentName == "" {
		return nil, errs.New(errs.Validation, "id and agent_name are required")
	}
	return d.coordinator.ReleaseTask(p.ID, p.AgentName, p.Failed)
}

type startWorkSessionParams struct {
	ID        int64  `json:"id"`
	AgentName string `json:"agent_name"`
}

// startWorkSessionResult is start_work_session's response shape.
type startWorkSessionResult struct {
	SessionID int64 `json:"session_id"`
}

func (d *Dispatcher) handleStartWorkSession(raw json.RawMessage) (any, error) {
	var p startWorkSessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == 0 || p.AgentName == "" {
		return nil, errs.New(errs.Validation, "id and agent_name are required")
	}
	sid, err := d.coordinator.StartWorkSession(p.ID, p.AgentName)
	if err != nil {
		return nil, err
	}
	return startWorkSessionResult{SessionID: sid}, nil
}

type endWorkSessionParams struct {
	SessionID         int64    `json:"session_id"`
	Notes             *string  `json:"notes"`
	ProductivityScore *float64 `json:"productivity_score"`
}

// endWorkSessionResult is end_work_session's response shape.
type endWorkSessionResult struct {
	Ended bool `json:"ended"`
}

func (d *Dispatcher) handleEndWorkSession(raw json.RawMessage) (any, error) {
	var p endWorkSessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == 0 {
		return nil, errs.New(errs.Validation, "session_id is required")
	}
	notes := ""
	hasNotes := p.Notes != nil
	if hasNotes {
		notes = *p.Notes
	}
	var score float64
	hasScore := p.ProductivityScore != nil
	if hasScore {
		score = *p.ProductivityScore
	}
	if err := d.coordinator.EndWorkSession(p.SessionID, notes, hasNotes, score, hasScore); err != nil {
		return nil, err
	}
	return endWorkSessionResult{Ended: true}, nil
}

type createTaskMessageParams struct {
	TaskID          int64  `json:"task_id"`
	Author          string `json:"author"`
	TargetAgentName string `json:"target"`
	Body            string `json:"body"`
}

func (d *Dispatcher) handleCreateTaskMessage(raw json.RawMessage) (any, error) {
	var p createTaskMessageParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TaskID == 0 || p.Author == "" || p.Body == "" {
		return nil, errs.New(errs.Validation, "task_id, author, and body are required")
	}
	return d.messages.Create(p.TaskID, p.Author, p.TargetAgentName, p.Body)
}

type getTaskMessagesParams struct {
	TaskID int64   `json:"task_id"`
	Since  *string `json:"since"`
	Limit  int     `json:"limit"`
}

func (d *Dispatcher) handleGetTaskMessages(raw json.RawMessage) (any, error) {
	var p getTaskMessagesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TaskID == 0 {
		return nil, errs.New(errs.Validation, "task_id is required")
	}
	var since time.Time
	hasSince := p.Since != nil
	if hasSince {
		t, err := time.Parse(time.RFC3339, *p.Since)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, err, "since must be RFC 3339")
		}
		since = t
	}
	msgs, err := d.messages.List(p.TaskID, since, hasSince, p.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.TaskMessage{}
	}
	return msgs, nil
}

// hasField reports whether key is present as a top-level key in the raw
// JSON object — used to distinguish "capabilities omitted" (skip the
// check, §4.2 "optionally enforce") from "capabilities: []" (enforce,
// and fail unless the task requires nothing).
func hasField(raw json.RawMessage, key string) bool {
	if len(raw) == 0 {
		return false
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false
	}
	_, ok := generic[key]
	return ok
}
