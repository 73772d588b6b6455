package coordinator

import (
	"sync"
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// fakeStore is an in-memory double for store.TaskStore, used so the
// Coordinator's protocol logic can be tested without a real database
// (§9's stated reason for keeping the Store boundary narrow).
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	nextSess int64
	tasks    map[int64]domain.Task
	sessions map[int64]domain.WorkSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]domain.Task), sessions: make(map[int64]domain.WorkSession)}
}

var _ store.TaskStore = (*fakeStore)(nil)

func (f *fakeStore) Create(nt store.NewTask) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Code == nt.Code && t.State != domain.Archived {
			return domain.Task{}, errs.New(errs.DuplicateCode, "code %s in use", nt.Code)
		}
	}
	f.nextID++
	priority := 5.0
	if nt.HasPriorityScore {
		priority = nt.PriorityScore
	}
	t := domain.Task{
		ID: f.nextID, Code: nt.Code, Name: nt.Name, Description: nt.Description,
		State: domain.Created, InsertedAt: time.Now(), PriorityScore: priority,
		ParentTaskID: nt.ParentTaskID, RequiredCapabilities: nt.RequiredCapabilities,
		EstimatedEffort: nt.EstimatedEffort, ConfidenceThreshold: nt.ConfidenceThreshold,
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) Update(id int64, u store.TaskUpdate) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.OwnerAgentName != nil {
		t.OwnerAgentName = *u.OwnerAgentName
	}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) SetState(id int64, to domain.TaskState) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if !domain.AllowedTransition(t.State, to) {
		return domain.Task{}, errs.New(errs.InvalidStateTransition, "%s -> %s", t.State, to)
	}
	t.State = to
	if to == domain.Done && t.DoneAt.IsZero() {
		t.DoneAt = time.Now()
	}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) GetByID(id int64) (domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok, nil
}

func (f *fakeStore) GetByCode(code string) (domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.Code == code {
			return t, true, nil
		}
	}
	return domain.Task{}, false, nil
}

func (f *fakeStore) List(filter domain.ListFilter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if !filter.IncludeArchived && t.State == domain.Archived {
			continue
		}
		if filter.HasState && t.State != filter.State {
			continue
		}
		if filter.Owner != "" && t.OwnerAgentName != filter.Owner {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) Claim(id int64, agent string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if t.HasOwner() || t.State != domain.Created {
		return domain.Task{}, errs.New(errs.AlreadyClaimed, "task %d already claimed", id)
	}
	t.OwnerAgentName = agent
	t.State = domain.InProgress
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Release(id int64, agent string, failed bool) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	if t.OwnerAgentName != agent {
		return domain.Task{}, errs.New(errs.NotOwned, "task %d not owned by %s", id, agent)
	}
	t.OwnerAgentName = ""
	t.State = domain.Created
	if failed {
		t.FailureCount++
	}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Assign(id int64, newOwner string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	t.OwnerAgentName = newOwner
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Archive(id int64) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, errs.New(errs.NotFound, "task %d not found", id)
	}
	t.State = domain.Archived
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) StartSession(taskID int64, agent string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSess++
	f.sessions[f.nextSess] = domain.WorkSession{ID: f.nextSess, TaskID: taskID, AgentName: agent, StartedAt: time.Now()}
	return f.nextSess, nil
}

func (f *fakeStore) EndSession(sessionID int64, notes string, hasNotes bool, score float64, hasScore bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || !s.EndedAt.IsZero() {
		return errs.New(errs.SessionNotFound, "session %d not found", sessionID)
	}
	s.EndedAt = time.Now()
	if hasNotes {
		s.Notes = notes
	}
	if hasScore {
		s.ProductivityScore = score
		s.HasProductivity = true
	}
	f.sessions[sessionID] = s
	return nil
}

func (f *fakeStore) OpenSessionForTask(taskID int64) (domain.WorkSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.TaskID == taskID && s.Open() {
			return s, true, nil
		}
	}
	return domain.WorkSession{}, false, nil
}

// fakeBreaker allows every call unless openFor marks "agent:kind" open;
// any failing Execute marks its (agent, kind) open.
type fakeBreaker struct {
	openFor map[string]bool
}

func newFakeBreaker() *fakeBreaker { return &fakeBreaker{openFor: make(map[string]bool)} }

func (b *fakeBreaker) Allow(agent string, kind domain.FailureType) error {
	if b.openFor[agent+":"+string(kind)] {
		return errs.New(errs.CircuitOpen, "circuit open for %s", agent)
	}
	return nil
}

func (b *fakeBreaker) Execute(agent string, kind domain.FailureType, fn func() error) error {
	if err := b.Allow(agent, kind); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.openFor[agent+":"+string(kind)] = true
		return err
	}
	return nil
}
