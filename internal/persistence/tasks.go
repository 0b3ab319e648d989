package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/remindbot/internal/bus"
)

type TaskStatus string

const (
	TaskStatusDraft    TaskStatus = "draft"
	TaskStatusActive   TaskStatus = "active"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusCanceled TaskStatus = "canceled"
	TaskStatusDeleted  TaskStatus = "deleted"
)

// Task is a reminder. DeadlineAt is UTC with second precision.
type Task struct {
	ID          int64
	UserID      int64
	Status      TaskStatus
	Title       string
	Description *string
	DeadlineAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewTask holds the fields of a task to create.
type NewTask struct {
	UserID      int64
	Title       string
	Description *string
	DeadlineAt  time.Time
}

// TaskPatch selects the fields UpdateTask changes. A nil pointer leaves the
// field alone; ClearDescription sets the description to NULL.
type TaskPatch struct {
	Title            *string
	Description      *string
	ClearDescription bool
	DeadlineAt       *time.Time
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && !p.ClearDescription && p.DeadlineAt == nil
}

const taskColumns = `id, user_id, status, title, description, deadline_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		status string
		desc   sql.NullString
	)
	if err := scanFn(&task.ID, &task.UserID, &status, &task.Title, &desc,
		&task.DeadlineAt, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return err
	}
	task.Status = TaskStatus(status)
	task.Description = nil
	if desc.Valid {
		d := desc.String
		task.Description = &d
	}
	task.DeadlineAt = task.DeadlineAt.UTC()
	return nil
}

func (o ops) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO tasks (user_id, status, title, description, deadline_at)
		VALUES (?, ?, ?, ?, ?);
	`, in.UserID, string(TaskStatusActive), in.Title, nullableString(in.Description), formatTime(in.DeadlineAt))
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("create task id: %w", err)
	}
	task, err := o.getTask(ctx, `id = ?`, id)
	if err != nil {
		return Task{}, err
	}
	o.emit(bus.TopicTaskCreated, bus.TaskEvent{TaskID: task.ID, UserID: task.UserID, NewStatus: string(task.Status)})
	return task, nil
}

// GetTaskForUser loads a task owned by userID. Soft-deleted tasks are
// reported as ErrNotFound.
func (o ops) GetTaskForUser(ctx context.Context, userID, taskID int64) (Task, error) {
	return o.getTask(ctx, `id = ? AND user_id = ? AND status <> 'deleted'`, taskID, userID)
}

func (o ops) getTask(ctx context.Context, where string, args ...any) (Task, error) {
	var task Task
	row := o.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+`;`, args...)
	err := scanTask(row.Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask applies patch to a live task owned by userID and returns the
// full current record.
func (o ops) UpdateTask(ctx context.Context, userID, taskID int64, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		return o.GetTaskForUser(ctx, userID, taskID)
	}
	var (
		sets []string
		args []any
	)
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	switch {
	case patch.ClearDescription:
		sets = append(sets, "description = NULL")
	case patch.Description != nil:
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.DeadlineAt != nil {
		sets = append(sets, "deadline_at = ?")
		args = append(args, formatTime(*patch.DeadlineAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()), taskID, userID)

	res, err := o.q.ExecContext(ctx, `
		UPDATE tasks SET `+strings.Join(sets, ", ")+`
		WHERE id = ? AND user_id = ? AND status <> 'deleted';
	`, args...)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Task{}, fmt.Errorf("update task rows: %w", err)
	} else if n == 0 {
		return Task{}, ErrNotFound
	}
	task, err := o.GetTaskForUser(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}
	o.emit(bus.TopicTaskUpdated, bus.TaskEvent{TaskID: task.ID, UserID: task.UserID, NewStatus: string(task.Status)})
	return task, nil
}

// SetTaskStatus moves a live task owned by userID to status.
func (o ops) SetTaskStatus(ctx context.Context, userID, taskID int64, status TaskStatus) (Task, error) {
	current, err := o.GetTaskForUser(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}
	if _, err := o.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND user_id = ?;
	`, string(status), formatTime(time.Now()), taskID, userID); err != nil {
		return Task{}, fmt.Errorf("set task status: %w", err)
	}
	o.emit(bus.TopicTaskStatusChanged, bus.TaskEvent{
		TaskID: taskID, UserID: userID, OldStatus: string(current.Status), NewStatus: string(status),
	})
	current.Status = status
	return current, nil
}

// MarkTaskDone flips an active task to done. It reports false when the task
// is no longer active, so concurrent notifier passes deliver at most once.
func (o ops) MarkTaskDone(ctx context.Context, taskID int64) (bool, error) {
	var userID int64
	err := o.q.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'done', updated_at = ?
		WHERE id = ? AND status = 'active'
		RETURNING user_id;
	`, formatTime(time.Now()), taskID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark task done: %w", err)
	}
	o.emit(bus.TopicTaskStatusChanged, bus.TaskEvent{
		TaskID: taskID, UserID: userID, OldStatus: string(TaskStatusActive), NewStatus: string(TaskStatusDone),
	})
	return true, nil
}

// ListTasks returns the user's tasks in the given statuses ordered by
// deadline. With no statuses every task except deleted ones is returned.
func (o ops) ListTasks(ctx context.Context, userID int64, statuses ...TaskStatus) ([]Task, error) {
	where := `user_id = ? AND status <> 'deleted'`
	args := []any{userID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = `user_id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	return o.listTasks(ctx, where, args...)
}

// DueTasks returns active tasks with a deadline in [from, to].
func (o ops) DueTasks(ctx context.Context, from, to time.Time) ([]Task, error) {
	return o.listTasks(ctx, `status = 'active' AND deadline_at BETWEEN ? AND ?`, formatTime(from), formatTime(to))
}

func (o ops) listTasks(ctx context.Context, where string, args ...any) ([]Task, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+where+`
		ORDER BY deadline_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
