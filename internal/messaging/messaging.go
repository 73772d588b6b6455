// Package messaging implements the append-only per-task message log
// (§4.4 of the spec) over a store.MessageStore/store.TaskStore boundary,
// the way the teacher's tools/collab package validates and records
// send_message calls against its service layer.
package messaging

import (
	"strings"
	"time"

	"github.com/jaakkos/stringwork-coord/internal/domain"
	"github.com/jaakkos/stringwork-coord/internal/errs"
	"github.com/jaakkos/stringwork-coord/internal/store"
)

// Messaging implements create_message/list_messages against a store.
type Messaging struct {
	tasks    store.TaskStore
	messages store.MessageStore
}

// New builds a Messaging component over the given store surfaces.
func New(tasks store.TaskStore, messages store.MessageStore) *Messaging {
	return &Messaging{tasks: tasks, messages: messages}
}

// Create appends a message to taskID's log after validating the task
// exists and the body is non-empty. target is optional ("" means
// broadcast to anyone watching the task).
func (m *Messaging) Create(taskID int64, author, target, body string) (domain.TaskMessage, error) {
	author = strings.TrimSpace(author)
	body = strings.TrimSpace(body)
	if author == "" {
		return domain.TaskMessage{}, errs.New(errs.Validation, "author is required")
	}
	if body == "" {
		return domain.TaskMessage{}, errs.New(errs.Validation, "body is required")
	}
	if _, found, err := m.tasks.GetByID(taskID); err != nil {
		return domain.TaskMessage{}, err
	} else if !found {
		return domain.TaskMessage{}, errs.New(errs.NotFound, "task %d not found", taskID)
	}
	return m.messages.CreateMessage(taskID, author, target, body)
}

// SystemNotice records a message authored by "system" — used by the
// Coordinator to announce administrative reassignment (§4.1 Assign).
func (m *Messaging) SystemNotice(taskID int64, target, body string) (domain.TaskMessage, error) {
	return m.messages.CreateMessage(taskID, "system", target, body)
}

// List returns a task's messages, optionally filtered to those created
// at or after since, capped at limit (0 means no cap).
func (m *Messaging) List(taskID int64, since time.Time, hasSince bool, limit int) ([]domain.TaskMessage, error) {
	if _, found, err := m.tasks.GetByID(taskID); err != nil {
		return nil, err
	} else if !found {
		return nil, errs.New(errs.NotFound, "task %d not found", taskID)
	}
	return m.messages.ListMessages(taskID, since, hasSince, limit)
}
