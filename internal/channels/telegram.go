package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/remindbot/internal/telemetry"
)

const (
	// maxMessageRunes stays under Telegram's 4096 character limit.
	maxMessageRunes = 4000
	// defaultPollTimeout is the getUpdates long-poll timeout in seconds.
	defaultPollTimeout = 60
)

// NewBot connects to the Bot API at endpoint, a URL template like
// tgbotapi.APIEndpoint. An empty endpoint means api.telegram.org.
func NewBot(token, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: (defaultPollTimeout + 30) * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return bot, nil
}

// RegisterWebhook points Telegram's update delivery at url.
func RegisterWebhook(bot *tgbotapi.BotAPI, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message"}
	if _, err := bot.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// TelegramSender delivers replies as plain-text messages. Failures are
// logged and otherwise ignored.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewTelegramSender(bot *tgbotapi.BotAPI, logger *slog.Logger) *TelegramSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSender{bot: bot, logger: logger}
}

// Send writes text to the private chat of userID, split into several
// messages when it exceeds Telegram's size limit.
func (s *TelegramSender) Send(ctx context.Context, userID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if _, err := s.bot.Send(tgbotapi.NewMessage(userID, chunk)); err != nil {
			telemetry.FromContext(ctx, s.logger).Error("failed to send telegram reply", "user_id", userID, "error", err)
			return
		}
	}
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks as cut points.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// TelegramChannel receives messages by long polling getUpdates. It is the
// alternative to the webhook server for hosts without a public address.
type TelegramChannel struct {
	bot        *tgbotapi.BotAPI
	dispatcher *Dispatcher
	logger     *slog.Logger

	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	// StallTimeout bounds a single getUpdates call; past it the connection
	// is treated as dead and polling reconnects.
	StallTimeout time.Duration
}

func NewTelegramChannel(bot *tgbotapi.BotAPI, dispatcher *Dispatcher, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		bot:          bot,
		dispatcher:   dispatcher,
		logger:       logger,
		PollTimeout:  defaultPollTimeout,
		StallTimeout: 150 * time.Second,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start polls until ctx is canceled. Polling errors reconnect with
// exponential backoff.
func (t *TelegramChannel) Start(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered.
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		t.logger.Warn("telegram delete webhook failed", "error", err)
	}
	t.logger.Info("telegram polling started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		updates, err := t.fetch(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("telegram poll failed, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			in, ok := MessageFromUpdate(update)
			if !ok {
				continue
			}
			t.dispatcher.Dispatch(ctx, in)
		}
	}
}

// fetch runs one getUpdates call. The Bot API client has no context
// support, so the call runs on its own goroutine and is abandoned when ctx
// ends or the stall timeout passes.
func (t *TelegramChannel) fetch(ctx context.Context, offset int) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = t.PollTimeout
	cfg.AllowedUpdates = []string{"message"}

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := t.bot.GetUpdates(cfg)
		done <- result{updates: updates, err: err}
	}()

	stall := time.NewTimer(t.StallTimeout)
	defer stall.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.updates, r.err
	case <-stall.C:
		return nil, fmt.Errorf("no updates received for %v (possible disconnect)", t.StallTimeout)
	}
}
