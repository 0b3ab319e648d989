// Package audit keeps an append-only JSONL trail of task mutations and
// delivered reminders, fed from the event bus.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/remindbot/internal/bus"
	"github.com/basket/remindbot/internal/shared"
)

// FileName is the audit file created under <home>/logs.
const FileName = "audit.jsonl"

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	UserID    int64  `json:"user_id"`
	TaskID    int64  `json:"task_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

type Recorder struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func Open(homeDir string) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Recorder{file: f, now: time.Now}, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Record appends one bus event. Payload types it does not know are ignored.
func (r *Recorder) Record(ev bus.Event) {
	e := entry{Action: ev.Topic}
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		e.UserID, e.TaskID = p.UserID, p.TaskID
		e.OldStatus, e.NewStatus = p.OldStatus, p.NewStatus
	case bus.ReminderEvent:
		e.UserID, e.TaskID = p.UserID, p.TaskID
		e.Subject = shared.Redact(p.Title)
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	e.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = r.file.Write(append(b, '\n'))
}

// Run records task.* and reminder.* events until ctx is done.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("task.", "reminder.")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.Record(ev)
		}
	}
}
