package bus

// Task and conversation topics published by the store and the notifier.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskUpdated       = "task.updated"
	TopicTaskStatusChanged = "task.status_changed"
	TopicConversationReset = "conversation.reset"
	TopicConversationSaved = "conversation.saved"
	TopicReminderDelivered = "reminder.delivered"
)

// TaskEvent is the payload of the task.* topics.
type TaskEvent struct {
	TaskID    int64
	UserID    int64
	OldStatus string // empty for task.created
	NewStatus string
}

// ConversationEvent is the payload of the conversation.* topics.
type ConversationEvent struct {
	UserID  int64
	Mode    string
	Turns   int
	Version int64
}

// ReminderEvent is published after a due-soon reminder is sent.
type ReminderEvent struct {
	TaskID int64
	UserID int64
	Title  string
}
