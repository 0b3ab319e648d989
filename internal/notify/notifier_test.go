package notify_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/remindbot/internal/bus"
	"github.com/basket/remindbot/internal/notify"
	"github.com/basket/remindbot/internal/persistence"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "remindbot.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (r *recordingSender) Send(_ context.Context, userID int64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[int64][]string)
	}
	r.sent[userID] = append(r.sent[userID], text)
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, msgs := range r.sent {
		n += len(msgs)
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedTask(t *testing.T, store *persistence.Store, userID int64, title string, deadline time.Time) persistence.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateConversation(ctx, userID); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	task, err := store.CreateTask(ctx, persistence.NewTask{UserID: userID, Title: title, DeadlineAt: deadline})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestRunOnce_SendsDueRemindersOnce(t *testing.T) {
	eventBus := bus.New()
	delivered := eventBus.Subscribe(bus.TopicReminderDelivered)
	defer eventBus.Unsubscribe(delivered)
	store := openTestStore(t, eventBus)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := seedTask(t, store, 1, "Standup", now.Add(30*time.Second))
	seedTask(t, store, 1, "Lunch", now.Add(3*time.Hour))
	seedTask(t, store, 2, "Missed", now.Add(-time.Minute))

	sender := &recordingSender{}
	n, err := notify.New(notify.Config{
		Store:    store,
		Replies:  sender,
		Bus:      eventBus,
		Logger:   quietLogger(),
		Window:   time.Minute,
		Location: time.FixedZone("UTC+2", 2*60*60),
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	sent, err := n.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected one reminder, got %d", sent)
	}
	want := "Reminder, you have an event soon:\n\nStandup\nWhen: 2026-03-01 11:00:30\nDetails: "
	if got := sender.sent[1]; len(got) != 1 || got[0] != want {
		t.Fatalf("unexpected reminder %q", got)
	}
	task, err := store.GetTaskForUser(ctx, 1, due.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusDone {
		t.Fatalf("due task should be done, got %s", task.Status)
	}

	select {
	case ev := <-delivered.Ch():
		payload, ok := ev.Payload.(bus.ReminderEvent)
		if !ok || payload.TaskID != due.ID || payload.Title != "Standup" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected reminder.delivered event")
	}

	sent, err = n.RunOnce(ctx)
	if err != nil || sent != 0 {
		t.Fatalf("second pass should send nothing, got %d (%v)", sent, err)
	}
}

func TestRunOnce_ConcurrentPassesDeliverOnce(t *testing.T) {
	store := openTestStore(t, nil)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		seedTask(t, store, int64(i+1), "due", now.Add(10*time.Second))
	}

	sender := &recordingSender{}
	n, err := notify.New(notify.Config{Store: store, Replies: sender, Logger: quietLogger(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.RunOnce(context.Background()); err != nil {
				t.Errorf("run once: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := sender.count(); got != 5 {
		t.Fatalf("expected 5 reminders in total, got %d", got)
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	store := openTestStore(t, nil)
	seedTask(t, store, 1, "soon", time.Now().Add(20*time.Second))

	sender := &recordingSender{}
	n, err := notify.New(notify.Config{Store: store, Replies: sender, Logger: quietLogger(), Schedule: "@every 1s"})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n.Start(context.Background())
	defer n.Stop()

	waitFor(t, 5*time.Second, func() bool { return sender.count() == 1 })
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := notify.New(notify.Config{Schedule: "every minute please"})
	if err == nil || !strings.Contains(err.Error(), "parse notifier schedule") {
		t.Fatalf("expected schedule error, got %v", err)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)
	next, err := notify.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next %v, want %v", next, want)
	}
}

func TestStop_Idempotent(t *testing.T) {
	n, err := notify.New(notify.Config{Store: openTestStore(t, nil), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n.Stop()
	n.Start(context.Background())
	n.Stop()
	n.Stop()
}
