package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/remindbot/internal/bus"
)

// Mode is the conversational mode a user is in.
type Mode string

const (
	ModeFree         Mode = "free"
	ModeCreatingTask Mode = "creating_task"
	ModeUpdatingTask Mode = "updating_task"
	ModeDeletingTask Mode = "deleting_task"
	ModeReadingTask  Mode = "reading_task"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeFree, ModeCreatingTask, ModeUpdatingTask, ModeDeletingTask, ModeReadingTask:
		return true
	}
	return false
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the LLM exchange. The JSON keys are the wire format
// stored in conversations_states.payload.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is the persisted dialog state of one user. History is empty
// whenever Mode is free.
type Conversation struct {
	UserID    int64
	Mode      Mode
	History   []Turn
	Version   int64
	UpdatedAt time.Time
}

func (o ops) GetConversation(ctx context.Context, userID int64) (Conversation, error) {
	var (
		conv    Conversation
		mode    string
		payload sql.NullString
		updated sql.NullTime
	)
	err := o.q.QueryRowContext(ctx, `
		SELECT user_id, mode, payload, version, updated_at
		FROM conversations_states
		WHERE user_id = ?;
	`, userID).Scan(&conv.UserID, &mode, &payload, &conv.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.Mode = Mode(mode)
	if updated.Valid {
		conv.UpdatedAt = updated.Time
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &conv.History); err != nil {
			return Conversation{}, fmt.Errorf("decode conversation payload: %w", err)
		}
	}
	return conv, nil
}

// CreateConversation inserts a free conversation for userID. created is false
// when one already existed; the existing row is left untouched.
func (o ops) CreateConversation(ctx context.Context, userID int64) (created bool, err error) {
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO conversations_states (user_id, mode, payload, version, updated_at)
		VALUES (?, 'free', NULL, 0, ?)
		ON CONFLICT(user_id) DO NOTHING;
	`, userID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("create conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create conversation rows: %w", err)
	}
	return n == 1, nil
}

// SaveConversation writes mode and history if the stored version still
// equals conv.Version, and returns conv with the bumped version. A stale
// version yields ErrConflict.
func (o ops) SaveConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	if !conv.Mode.Valid() {
		return conv, fmt.Errorf("save conversation: invalid mode %q", conv.Mode)
	}
	payload, err := encodeHistory(conv.History)
	if err != nil {
		return conv, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	res, err := o.q.ExecContext(ctx, `
		UPDATE conversations_states
		SET mode = ?, payload = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?;
	`, string(conv.Mode), payload, formatTime(now), conv.UserID, conv.Version)
	if err != nil {
		return conv, fmt.Errorf("save conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return conv, fmt.Errorf("save conversation rows: %w", err)
	}
	if n == 0 {
		if _, err := o.GetConversation(ctx, conv.UserID); err != nil {
			return conv, err
		}
		return conv, ErrConflict
	}
	conv.Version++
	conv.UpdatedAt = now
	o.emit(bus.TopicConversationSaved, bus.ConversationEvent{
		UserID: conv.UserID, Mode: string(conv.Mode), Turns: len(conv.History), Version: conv.Version,
	})
	return conv, nil
}

// ResetConversation sets the user back to free with an empty history,
// whatever the stored version.
func (o ops) ResetConversation(ctx context.Context, userID int64) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE conversations_states
		SET mode = 'free', payload = NULL, version = version + 1, updated_at = ?
		WHERE user_id = ?;
	`, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset conversation rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	o.emit(bus.TopicConversationReset, bus.ConversationEvent{UserID: userID, Mode: string(ModeFree)})
	return nil
}

// DeleteConversation removes the user and, by cascade, all their tasks.
func (o ops) DeleteConversation(ctx context.Context, userID int64) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM conversations_states WHERE user_id = ?;`, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeHistory(history []Turn) (any, error) {
	if len(history) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode conversation payload: %w", err)
	}
	return string(raw), nil
}
