package dialog

import (
	"strings"
	"unicode"
)

const startCommand = "/start"

type command int

const (
	cmdNone command = iota
	cmdNew
	cmdTasks
	cmdTask
	cmdEdit
	cmdDelete
	cmdCancel
)

var commandTokens = map[string]command{
	"/new":    cmdNew,
	"/tasks":  cmdTasks,
	"/task":   cmdTask,
	"/edit":   cmdEdit,
	"/delete": cmdDelete,
	"/cancel": cmdCancel,
}

// parseCommand matches text against the static command tokens. A trailing
// "@botname" mention, as Telegram sends in group chats, is ignored.
func parseCommand(text string) command {
	token := text
	if at := strings.IndexByte(token, '@'); at > 0 {
		token = token[:at]
	}
	return commandTokens[token]
}

func isStart(text string) bool {
	return text == startCommand || strings.HasPrefix(text, startCommand+"@")
}

// kind maps a command to the operation it bootstraps. cmdCancel and cmdNone
// have none.
func (c command) kind() OperationKind {
	switch c {
	case cmdNew:
		return OpCreate
	case cmdTasks:
		return OpList
	case cmdTask:
		return OpRead
	case cmdEdit:
		return OpUpdate
	case cmdDelete:
		return OpDelete
	case cmdNone, cmdCancel:
		return OpNone
	}
	return OpNone
}

var scenarioLabels = map[string]OperationKind{
	"creating_task": OpCreate,
	"updating_task": OpUpdate,
	"deleting_task": OpDelete,
	"reading_task":  OpRead,
	"list_tasks":    OpList,
}

// parseScenario maps a classification answer to an operation kind. The
// answer is lowercased and stripped of quotes, punctuation and surrounding
// prose so that replies like `"Creating_Task."` still match. Anything else
// is OpNone.
func parseScenario(answer string) OperationKind {
	answer = strings.ToLower(strings.TrimSpace(answer))
	fields := strings.FieldsFunc(answer, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	for _, field := range fields {
		if kind, ok := scenarioLabels[field]; ok {
			return kind
		}
	}
	return OpNone
}
