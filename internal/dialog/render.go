package dialog

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/remindbot/internal/persistence"
)

// Fixed replies.
const (
	MsgWelcome         = "Welcome! I am your personal assistant. I can create, update and delete reminders, show the list of active reminders, and remind you shortly before an event. Where shall we start?"
	MsgAlreadyKnown    = "We have already met. Long time no see. Where shall we start?"
	MsgTooLong         = "That is too much text for me to make sense of. Please shorten it."
	MsgFallback        = "I love a chat, but right now I can only help with reminders. Where shall we start?"
	MsgCanceled        = "Current actions are canceled. I am ready for new tasks. Where shall we start?"
	MsgNoTasks         = "You have no active reminders"
	MsgTaskNotFound    = "Sorry, I could not find a reminder with that number among yours."
	MsgNotUnderstood   = "Sorry, I could not understand that. Please try again."
	listHeader         = "Your reminders:\n\n"
	correctionTemplate = "Your previous answer was rejected: %s. Reply again with a single JSON object in the required format."
)

func formatDeadline(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DeadlineLayout)
}

func descriptionOf(task persistence.Task) string {
	if task.Description == nil {
		return ""
	}
	return *task.Description
}

func renderCreated(task persistence.Task, loc *time.Location) string {
	return fmt.Sprintf("Reminder №%d created!\n\nTitle: %s\nWhen: %s\nDetails: %s",
		task.ID, task.Title, formatDeadline(task.DeadlineAt, loc), descriptionOf(task))
}

func renderUpdated(task persistence.Task, loc *time.Location) string {
	return fmt.Sprintf("Reminder updated!\n\nNumber: %d\nTitle: %s\nWhen: %s\nDetails: %s",
		task.ID, task.Title, formatDeadline(task.DeadlineAt, loc), descriptionOf(task))
}

func renderDeleted(id int64) string {
	return fmt.Sprintf("Reminder №%d deleted!", id)
}

func renderRead(task persistence.Task, loc *time.Location) string {
	return fmt.Sprintf("Reminder №%d!\n\nTitle: %s\nWhen: %s\nDetails: %s\nStatus: %s",
		task.ID, task.Title, formatDeadline(task.DeadlineAt, loc), descriptionOf(task), task.Status)
}

func renderTaskLine(task persistence.Task, loc *time.Location) string {
	return fmt.Sprintf("№%d. %s. Details: %s. When: %s. Status: %s.",
		task.ID, task.Title, descriptionOf(task), formatDeadline(task.DeadlineAt, loc), task.Status)
}

// renderTaskLines joins one line per task, or returns "" for no tasks.
func renderTaskLines(tasks []persistence.Task, loc *time.Location) string {
	lines := make([]string, 0, len(tasks))
	for _, task := range tasks {
		lines = append(lines, renderTaskLine(task, loc))
	}
	return strings.Join(lines, "\n")
}

func renderList(tasks []persistence.Task, loc *time.Location) string {
	if len(tasks) == 0 {
		return MsgNoTasks
	}
	return listHeader + renderTaskLines(tasks, loc)
}
