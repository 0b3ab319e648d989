package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/prompts"
)

// OperationKind is the scenario a message is routed to.
type OperationKind int

const (
	// OpNone is an unclassified message.
	OpNone OperationKind = iota
	OpCreate
	OpRead
	OpUpdate
	OpDelete
	// OpList is answered directly and never runs through the operation handler.
	OpList
)

func (k OperationKind) String() string {
	switch k {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpRead:
		return "read"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpList:
		return "list"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// kindForMode maps a persisted non-free mode back to its operation.
func kindForMode(mode persistence.Mode) (OperationKind, bool) {
	switch mode {
	case persistence.ModeCreatingTask:
		return OpCreate, true
	case persistence.ModeReadingTask:
		return OpRead, true
	case persistence.ModeUpdatingTask:
		return OpUpdate, true
	case persistence.ModeDeletingTask:
		return OpDelete, true
	case persistence.ModeFree:
		return OpNone, false
	}
	return OpNone, false
}

// finisher is a validated payload ready to be applied. apply runs inside
// the commit transaction and returns the reply for the user.
type finisher interface {
	apply(ctx context.Context, tx *persistence.Tx, userID int64, loc *time.Location) (string, error)
}

type decoder func(data json.RawMessage, loc *time.Location) (finisher, error)

// operation is one row of the dispatch table.
type operation struct {
	kind   OperationKind
	mode   persistence.Mode
	prompt prompts.Name
	// intent is the user message a static command bootstraps with.
	intent string
	// listTasks renders the user's active reminders into the prompt.
	listTasks bool
	// mutates marks operations counted as task mutations.
	mutates bool
	decode  decoder
}

func operationFor(kind OperationKind) (operation, error) {
	switch kind {
	case OpCreate:
		return operation{
			kind: kind, mode: persistence.ModeCreatingTask, prompt: prompts.CreateTask,
			intent: "I want to create a new reminder!", mutates: true, decode: decodeCreate,
		}, nil
	case OpRead:
		return operation{
			kind: kind, mode: persistence.ModeReadingTask, prompt: prompts.ReadTask,
			intent: "I want to read a specific reminder!", listTasks: true, decode: decodeRead,
		}, nil
	case OpUpdate:
		return operation{
			kind: kind, mode: persistence.ModeUpdatingTask, prompt: prompts.UpdateTask,
			intent: "I want to update a reminder!", listTasks: true, mutates: true, decode: decodeUpdate,
		}, nil
	case OpDelete:
		return operation{
			kind: kind, mode: persistence.ModeDeletingTask, prompt: prompts.DeleteTask,
			intent: "I want to delete a reminder!", listTasks: true, mutates: true, decode: decodeDelete,
		}, nil
	case OpNone, OpList:
	}
	return operation{}, fmt.Errorf("%w: %s", ErrNoFinisher, kind)
}

type createTask struct {
	task persistence.NewTask
}

func decodeCreate(data json.RawMessage, loc *time.Location) (finisher, error) {
	p, err := decodePayload(OpCreate, data, createSchema)
	if err != nil {
		return nil, err
	}
	title, err := p.title()
	if err != nil {
		return nil, err
	}
	desc, _, err := p.description()
	if err != nil {
		return nil, err
	}
	deadline, err := p.deadline(loc)
	if err != nil {
		return nil, err
	}
	if title == nil || deadline == nil {
		return nil, validationErrorf(OpCreate, data, "title and deadline_at are required")
	}
	return createTask{task: persistence.NewTask{Title: *title, Description: desc, DeadlineAt: *deadline}}, nil
}

func (c createTask) apply(ctx context.Context, tx *persistence.Tx, userID int64, loc *time.Location) (string, error) {
	in := c.task
	in.UserID = userID
	task, err := tx.CreateTask(ctx, in)
	if err != nil {
		return "", err
	}
	return renderCreated(task, loc), nil
}

type readTask struct {
	id int64
}

func decodeRead(data json.RawMessage, _ *time.Location) (finisher, error) {
	id, err := decodeTaskRef(OpRead, data)
	if err != nil {
		return nil, err
	}
	return readTask{id: id}, nil
}

func (r readTask) apply(ctx context.Context, tx *persistence.Tx, userID int64, loc *time.Location) (string, error) {
	task, err := tx.GetTaskForUser(ctx, userID, r.id)
	if err != nil {
		return "", taskLookupError(err, r.id)
	}
	return renderRead(task, loc), nil
}

type updateTask struct {
	id    int64
	patch persistence.TaskPatch
}

func decodeUpdate(data json.RawMessage, loc *time.Location) (finisher, error) {
	p, err := decodePayload(OpUpdate, data, updateSchema)
	if err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	var patch persistence.TaskPatch
	if patch.Title, err = p.title(); err != nil {
		return nil, err
	}
	if p.has("description") {
		if patch.Description, patch.ClearDescription, err = p.description(); err != nil {
			return nil, err
		}
	}
	if patch.DeadlineAt, err = p.deadline(loc); err != nil {
		return nil, err
	}
	return updateTask{id: id, patch: patch}, nil
}

func (u updateTask) apply(ctx context.Context, tx *persistence.Tx, userID int64, loc *time.Location) (string, error) {
	task, err := tx.UpdateTask(ctx, userID, u.id, u.patch)
	if err != nil {
		return "", taskLookupError(err, u.id)
	}
	return renderUpdated(task, loc), nil
}

type deleteTask struct {
	id int64
}

func decodeDelete(data json.RawMessage, _ *time.Location) (finisher, error) {
	id, err := decodeTaskRef(OpDelete, data)
	if err != nil {
		return nil, err
	}
	return deleteTask{id: id}, nil
}

func (d deleteTask) apply(ctx context.Context, tx *persistence.Tx, userID int64, _ *time.Location) (string, error) {
	if _, err := tx.SetTaskStatus(ctx, userID, d.id, persistence.TaskStatusDeleted); err != nil {
		return "", taskLookupError(err, d.id)
	}
	return renderDeleted(d.id), nil
}

func decodeTaskRef(op OperationKind, data json.RawMessage) (int64, error) {
	p, err := decodePayload(op, data, taskRefSchema)
	if err != nil {
		return 0, err
	}
	return p.id()
}

func taskLookupError(err error, id int64) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return err
}
