package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/remindbot/internal/persistence"
)

func strPtr(s string) *string { return &s }

func mustCreateTask(t *testing.T, store *persistence.Store, in persistence.NewTask) persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTasks_CreateIsActiveAndUTC(t *testing.T) {
	store, _ := openTestStore(t)
	startedUser(t, store, 1)

	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	deadline := time.Date(2026, 3, 1, 10, 30, 15, 999, berlin)
	task := mustCreateTask(t, store, persistence.NewTask{
		UserID: 1, Title: "Dentist", Description: strPtr("bring card"), DeadlineAt: deadline,
	})

	if task.ID == 0 || task.Status != persistence.TaskStatusActive {
		t.Fatalf("unexpected task: %+v", task)
	}
	want := deadline.UTC().Truncate(time.Second)
	if !task.DeadlineAt.Equal(want) || task.DeadlineAt.Location() != time.UTC {
		t.Fatalf("deadline = %v, want %v UTC", task.DeadlineAt, want)
	}
	if task.Description == nil || *task.Description != "bring card" {
		t.Fatalf("description = %v", task.Description)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps maintained by the store")
	}
}

func TestTasks_CreateRequiresKnownUser(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateTask(context.Background(), persistence.NewTask{UserID: 404, Title: "x", DeadlineAt: time.Now()})
	if err == nil {
		t.Fatal("expected foreign key violation for unknown user")
	}
}

func TestTasks_GetIsScopedToUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	startedUser(t, store, 1)
	startedUser(t, store, 2)
	task := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "mine", DeadlineAt: time.Now()})

	if _, err := store.GetTaskForUser(ctx, 2, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	got, err := store.GetTaskForUser(ctx, 1, task.ID)
	if err != nil || got.Title != "mine" {
		t.Fatalf("owner lookup: task=%+v err=%v", got, err)
	}
}

func TestTasks_UpdatePatchesOnlySuppliedFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	startedUser(t, store, 1)
	deadline := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	task := mustCreateTask(t, store, persistence.NewTask{
		UserID: 1, Title: "old", Description: strPtr("keep me"), DeadlineAt: deadline,
	})

	updated, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskPatch{Title: strPtr("new")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "new" {
		t.Fatalf("title = %q", updated.Title)
	}
	if updated.Description == nil || *updated.Description != "keep me" || !updated.DeadlineAt.Equal(deadline) {
		t.Fatalf("unsupplied fields changed: %+v", updated)
	}

	later := deadline.Add(48 * time.Hour)
	cleared, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskPatch{ClearDescription: true, DeadlineAt: &later})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cleared.Description != nil || !cleared.DeadlineAt.Equal(later) || cleared.Title != "new" {
		t.Fatalf("unexpected record after clear: %+v", cleared)
	}

	same, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskPatch{})
	if err != nil || same.Title != "new" {
		t.Fatalf("empty patch: task=%+v err=%v", same, err)
	}
}

func TestTasks_SoftDeleteHidesTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	startedUser(t, store, 1)
	task := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "gone", DeadlineAt: time.Now()})
	keep := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "kept", DeadlineAt: time.Now().Add(time.Hour)})

	deleted, err := store.SetTaskStatus(ctx, 1, task.ID, persistence.TaskStatusDeleted)
	if err != nil || deleted.Status != persistence.TaskStatusDeleted {
		t.Fatalf("soft delete: task=%+v err=%v", deleted, err)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM tasks WHERE id = ?`, task.ID).Scan(&status); err != nil {
		t.Fatalf("row must survive soft delete: %v", err)
	}
	if status != "deleted" {
		t.Fatalf("status = %q", status)
	}

	if _, err := store.GetTaskForUser(ctx, 1, task.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected deleted task hidden, got %v", err)
	}
	if _, err := store.UpdateTask(ctx, 1, task.ID, persistence.TaskPatch{Title: strPtr("back")}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected update of deleted task to fail, got %v", err)
	}
	if _, err := store.SetTaskStatus(ctx, 1, task.ID, persistence.TaskStatusDeleted); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected second delete to fail, got %v", err)
	}

	all, err := store.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Fatalf("expected only kept task, got %+v", all)
	}
}

func TestTasks_ListOrdersByDeadlineAndFiltersStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	startedUser(t, store, 1)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	late := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "late", DeadlineAt: base.Add(2 * time.Hour)})
	early := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "early", DeadlineAt: base})
	done := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "done", DeadlineAt: base.Add(time.Hour)})
	if _, err := store.SetTaskStatus(ctx, 1, done.ID, persistence.TaskStatusDone); err != nil {
		t.Fatalf("set done: %v", err)
	}

	active, err := store.ListTasks(ctx, 1, persistence.TaskStatusActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != early.ID || active[1].ID != late.ID {
		t.Fatalf("unexpected active order: %+v", active)
	}

	all, err := store.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[1].ID != done.ID {
		t.Fatalf("unexpected full listing: %+v", all)
	}
}

func TestTasks_DueWindowAndMarkDoneOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	startedUser(t, store, 1)
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	due := mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "due", DeadlineAt: now.Add(30 * time.Second)})
	mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "later", DeadlineAt: now.Add(5 * time.Minute)})
	mustCreateTask(t, store, persistence.NewTask{UserID: 1, Title: "past", DeadlineAt: now.Add(-time.Minute)})

	got, err := store.DueTasks(ctx, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("expected only the due task, got %+v", got)
	}

	ok, err := store.MarkTaskDone(ctx, due.ID)
	if err != nil || !ok {
		t.Fatalf("first mark: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkTaskDone(ctx, due.ID)
	if err != nil || ok {
		t.Fatalf("second mark must be a no-op: ok=%v err=%v", ok, err)
	}
	got, _ = store.DueTasks(ctx, now, now.Add(time.Minute))
	if len(got) != 0 {
		t.Fatalf("done task must leave the due window, got %+v", got)
	}
}

func TestTasks_TitleLengthEnforcedBySchema(t *testing.T) {
	store, _ := openTestStore(t)
	startedUser(t, store, 1)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := store.CreateTask(context.Background(), persistence.NewTask{UserID: 1, Title: string(long), DeadlineAt: time.Now()}); err == nil {
		t.Fatal("expected CHECK constraint failure for 256-char title")
	}
}
