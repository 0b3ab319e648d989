package channels

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Channel is an inbound messaging integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Handler processes one inbound text message.
type Handler interface {
	Handle(ctx context.Context, userID int64, text string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, userID int64, text string)

func (f HandlerFunc) Handle(ctx context.Context, userID int64, text string) { f(ctx, userID, text) }

// Inbound is a text message extracted from a Telegram update.
type Inbound struct {
	UpdateID int
	UserID   int64
	UserName string
	Text     string
}

// MessageFromUpdate extracts the sender and text of a message update.
// Updates without a sender or without text are reported as not ok.
func MessageFromUpdate(update tgbotapi.Update) (Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return Inbound{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Inbound{}, false
	}
	return Inbound{UpdateID: update.UpdateID, UserID: msg.From.ID, UserName: msg.From.UserName, Text: text}, true
}
