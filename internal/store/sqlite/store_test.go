package sqlite

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(DefaultConfig(filepath.Join(dir, "state.sqlite")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "T-1", Name: "first task", RequiredCapabilities: []string{"go"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.State != domain.Created {
		t.Errorf("State = %s, want Created", task.State)
	}
	if task.PriorityScore != 5.0 {
		t.Errorf("PriorityScore = %v, want default 5.0", task.PriorityScore)
	}

	got, found, err := s.GetByCode("T-1")
	if err != nil {
		t.Fatalf("GetByCode: %v", err)
	}
	if !found {
		t.Fatal("GetByCode: not found")
	}
	if len(got.RequiredCapabilities) != 1 || got.RequiredCapabilities[0] != "go" {
		t.Errorf("RequiredCapabilities = %v", got.RequiredCapabilities)
	}
}

func TestCreateDuplicateCode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create(store.NewTask{Code: "DUP", Name: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(store.NewTask{Code: "DUP", Name: "b"})
	if errs.KindOf(err) != errs.DuplicateCode {
		t.Fatalf("err kind = %v, want DuplicateCode", errs.KindOf(err))
	}
}

func TestArchivedCodeIsReusable(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Create(store.NewTask{Code: "REUSE", Name: "first"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Archive(first.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := s.Create(store.NewTask{Code: "REUSE", Name: "second"}); err != nil {
		t.Fatalf("Create after archive should succeed, got: %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "C-1", Name: "claim me"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Claim(task.ID, "agent-a"); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	_, err = s.Claim(task.ID, "agent-b")
	if errs.KindOf(err) != errs.AlreadyClaimed {
		t.Fatalf("second Claim kind = %v, want AlreadyClaimed", errs.KindOf(err))
	}
}

// TestClaimIsExclusiveUnderConcurrency drives 10 concurrent claimants at
// the same unclaimed task (§8's concurrency property, exercised literally
// by end-to-end scenario #3): exactly one of them must win.
func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "C-2", Name: "claim me concurrently"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	var winner string
	errKinds := make(map[errs.Kind]int)

	for i := 0; i < n; i++ {
		wg.Add(1)
		agent := fmt.Sprintf("agent-%d", i)
		go func() {
			defer wg.Done()
			_, err := s.Claim(task.ID, agent)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				winner = agent
			} else {
				errKinds[errs.KindOf(err)]++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1 (winner so far: %q, error kinds: %v)", successes, winner, errKinds)
	}
	if got := errKinds[errs.AlreadyClaimed]; got != n-1 {
		t.Fatalf("AlreadyClaimed errors = %d, want %d (kinds: %v)", got, n-1, errKinds)
	}

	final, _, err := s.GetByID(task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.OwnerAgentName != winner {
		t.Fatalf("final owner = %q, want winner %q", final.OwnerAgentName, winner)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "R-1", Name: "release me"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Claim(task.ID, "agent-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_, err = s.Release(task.ID, "agent-b", false)
	if errs.KindOf(err) != errs.NotOwned {
		t.Fatalf("Release by wrong agent kind = %v, want NotOwned", errs.KindOf(err))
	}
	released, err := s.Release(task.ID, "agent-a", true)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.State != domain.Created || released.HasOwner() {
		t.Errorf("released task = %+v, want unowned Created", released)
	}
	if released.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", released.FailureCount)
	}
}

func TestSetStateRejectsUnlistedTransition(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "S-1", Name: "state test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = s.SetState(task.ID, domain.Done)
	if errs.KindOf(err) != errs.InvalidStateTransition {
		t.Fatalf("SetState(Created, Done) kind = %v, want InvalidStateTransition", errs.KindOf(err))
	}
	_, err = s.SetState(task.ID, domain.Created)
	if errs.KindOf(err) != errs.InvalidStateTransition {
		t.Fatalf("SetState(Created, Created) kind = %v, want InvalidStateTransition (no diagonal)", errs.KindOf(err))
	}
}

func TestSetStateMarksDoneAt(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "D-1", Name: "done test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Claim(task.ID, "agent-a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	done, err := s.SetState(task.ID, domain.Done)
	if err != nil {
		t.Fatalf("SetState to Done: %v", err)
	}
	if done.DoneAt.IsZero() {
		t.Error("DoneAt should be set on first transition into Done")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "SS-1", Name: "session test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sid, err := s.StartSession(task.ID, "agent-a")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	open, found, err := s.OpenSessionForTask(task.ID)
	if err != nil || !found {
		t.Fatalf("OpenSessionForTask: found=%v err=%v", found, err)
	}
	if !open.Open() {
		t.Error("session should be open")
	}
	if err := s.EndSession(sid, "done", true, 0.9, true); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := s.EndSession(sid, "", false, 0, false); errs.KindOf(err) != errs.SessionNotFound {
		t.Fatalf("double EndSession kind = %v, want SessionNotFound", errs.KindOf(err))
	}
	_, found, err = s.OpenSessionForTask(task.ID)
	if err != nil {
		t.Fatalf("OpenSessionForTask: %v", err)
	}
	if found {
		t.Error("no session should be open after EndSession")
	}
}

func TestMessagesOrdering(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "M-1", Name: "messages"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.CreateMessage(task.ID, "agent-a", "", "first"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := s.CreateMessage(task.ID, "agent-b", "agent-a", "second"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	msgs, err := s.ListMessages(task.ID, time.Time{}, false, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("ListMessages = %+v, want [first, second] in order", msgs)
	}
}

func TestWorkspaceContextOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "W-1", Name: "workspace"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	created, err := s.PutWorkspaceContext(domain.WorkspaceContext{ID: "ctx-1", TaskID: task.ID, Background: "v1"})
	if err != nil {
		t.Fatalf("PutWorkspaceContext (create): %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("Version = %d, want 1", created.Version)
	}

	// An update at the current version succeeds and bumps it to 2; a later
	// write still carrying version 1 is stale and must be rejected.
	_, err = s.PutWorkspaceContext(domain.WorkspaceContext{ID: "ctx-1", TaskID: task.ID, Background: "stale", Version: 1})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err = s.PutWorkspaceContext(domain.WorkspaceContext{ID: "ctx-1", TaskID: task.ID, Background: "conflict", Version: 1})
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("stale update kind = %v, want Conflict", errs.KindOf(err))
	}
}

// TestWorkspaceContextOptimisticConcurrencyUnderConcurrency drives N
// concurrent updates against the same row and the same stale version
// (§8: "exactly one succeeds; the rest return Conflict").
func TestWorkspaceContextOptimisticConcurrencyUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create(store.NewTask{Code: "W-2", Name: "workspace concurrent"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.PutWorkspaceContext(domain.WorkspaceContext{ID: "ctx-2", TaskID: task.ID, Background: "v1"}); err != nil {
		t.Fatalf("PutWorkspaceContext (create): %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes int
	errKinds := make(map[errs.Kind]int)

	for i := 0; i < n; i++ {
		wg.Add(1)
		body := fmt.Sprintf("update-%d", i)
		go func() {
			defer wg.Done()
			_, err := s.PutWorkspaceContext(domain.WorkspaceContext{ID: "ctx-2", TaskID: task.ID, Background: body, Version: 1})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else {
				errKinds[errs.KindOf(err)]++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1 (error kinds: %v)", successes, errKinds)
	}
	if got := errKinds[errs.Conflict]; got != n-1 {
		t.Fatalf("Conflict errors = %d, want %d (kinds: %v)", got, n-1, errKinds)
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	if err := s.HealthCheck(); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
