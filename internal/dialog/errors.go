package dialog

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound: a message arrived from a user who never sent /start.
	ErrUserNotFound = errors.New("dialog: user not found")
	// ErrMessageTooLong: the message exceeds the configured length cap.
	ErrMessageTooLong = errors.New("dialog: message too long")
	// ErrUpstream: the LLM call failed or returned an unusable envelope.
	ErrUpstream = errors.New("dialog: upstream failure")
	// ErrTaskNotFound: the referenced task does not exist for this user.
	ErrTaskNotFound = errors.New("dialog: task not found")
	// ErrNoFinisher: an operation kind without a finisher reached the
	// operation handler.
	ErrNoFinisher = errors.New("dialog: operation has no finisher")
)

// ValidationError reports structured LLM output that failed the finisher's
// payload checks.
type ValidationError struct {
	Operation OperationKind
	Message   string
	// Raw is the offending payload as returned by the model.
	Raw string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dialog: invalid %s payload: %s", e.Operation, e.Message)
}

func validationErrorf(op OperationKind, raw []byte, format string, args ...any) *ValidationError {
	return &ValidationError{Operation: op, Message: fmt.Sprintf(format, args...), Raw: string(raw)}
}
