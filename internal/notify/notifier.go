// Package notify sends due-soon reminders on a cron schedule.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/remindbot/internal/bus"
	"github.com/basket/remindbot/internal/otel"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/shared"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @hourly or @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	defaultSchedule = "* * * * *"
	defaultWindow   = time.Minute
	deadlineLayout  = "2006-01-02 15:04:05"
)

// Sender delivers a reminder to a user.
type Sender interface {
	Send(ctx context.Context, userID int64, text string)
}

type Config struct {
	Store   *persistence.Store
	Replies Sender
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// Schedule is a cron expression; defaults to every minute.
	Schedule string
	// Window is how far ahead of now a deadline counts as due.
	Window   time.Duration
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Notifier flips active tasks whose deadline falls in [now, now+window] to
// done and sends one reminder for each.
type Notifier struct {
	store    *persistence.Store
	replies  Sender
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	schedule cronlib.Schedule
	window   time.Duration
	loc      *time.Location
	now      func() time.Time

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
}

func New(cfg Config) (*Notifier, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse notifier schedule %q: %w", expr, err)
	}
	n := &Notifier{
		store:    cfg.Store,
		replies:  cfg.Replies,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		schedule: schedule,
		window:   cfg.Window,
		loc:      cfg.Location,
		now:      cfg.Now,
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.window <= 0 {
		n.window = defaultWindow
	}
	if n.loc == nil {
		n.loc = time.UTC
	}
	if n.now == nil {
		n.now = time.Now
	}
	return n, nil
}

// Start runs RunOnce on the schedule until ctx is done or Stop is called.
// Overlapping passes are skipped.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cron != nil {
		return
	}
	ctx, n.cancel = context.WithCancel(ctx)
	logger := cronLogger{n.logger}
	n.cron = cronlib.New(
		cronlib.WithLocation(n.loc),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	n.cron.Schedule(n.schedule, cronlib.FuncJob(func() {
		if _, err := n.RunOnce(ctx); err != nil && ctx.Err() == nil {
			n.logger.Error("notifier pass failed", "error", err)
		}
	}))
	n.cron.Start()
	n.logger.Info("notifier started", "next_run_at", n.schedule.Next(n.now().In(n.loc)), "window", n.window)
}

// Stop halts the schedule and waits for a running pass to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	c, cancel := n.cron, n.cancel
	n.cron, n.cancel = nil, nil
	n.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	n.logger.Info("notifier stopped")
}

// RunOnce delivers every reminder due now and reports how many were sent.
// A task is claimed by marking it done before its reminder goes out, so
// concurrent passes never remind twice.
func (n *Notifier) RunOnce(ctx context.Context) (int, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	now := n.now()
	due, err := n.store.DueTasks(ctx, now, now.Add(n.window))
	if err != nil {
		return 0, fmt.Errorf("query due tasks: %w", err)
	}
	sent := 0
	for _, task := range due {
		claimed, err := n.store.MarkTaskDone(ctx, task.ID)
		if err != nil {
			n.logger.Error("notifier: mark task done failed", "task_id", task.ID, "user_id", task.UserID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if n.replies != nil {
			n.replies.Send(ctx, task.UserID, RenderReminder(task, n.loc))
		}
		sent++
		n.metrics.RecordReminder(ctx)
		n.bus.Publish(bus.TopicReminderDelivered, bus.ReminderEvent{TaskID: task.ID, UserID: task.UserID, Title: task.Title})
		n.logger.Info("reminder sent", "trace_id", shared.TraceID(ctx), "task_id", task.ID, "user_id", task.UserID)
	}
	return sent, nil
}

// RenderReminder is the due-soon message for task.
func RenderReminder(task persistence.Task, loc *time.Location) string {
	desc := ""
	if task.Description != nil {
		desc = *task.Description
	}
	return fmt.Sprintf("Reminder, you have an event soon:\n\n%s\nWhen: %s\nDetails: %s",
		task.Title, task.DeadlineAt.In(loc).Format(deadlineLayout), desc)
}

// NextRunTime returns when expr next fires after after.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
