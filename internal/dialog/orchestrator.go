// Package dialog turns incoming chat messages into LLM exchanges and, once
// an exchange completes, into reminder mutations.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/remindbot/internal/otel"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/prompts"
	"github.com/basket/remindbot/internal/shared"
	"github.com/basket/remindbot/internal/telemetry"
)

const (
	defaultMaxMessageLength = 1000
	seedPrefix              = "Message: "
)

// Gateway is the LLM endpoint. structured asks for a JSON object answer.
type Gateway interface {
	Generate(ctx context.Context, turns []persistence.Turn, structured bool) (string, error)
}

// ReplySink delivers a reply to a user. Delivery is best effort.
type ReplySink interface {
	Send(ctx context.Context, userID int64, text string)
}

type Config struct {
	Store   *persistence.Store
	LLM     Gateway
	Replies ReplySink
	Prompts *prompts.Set
	Logger  *slog.Logger

	// Location is the time zone deadlines are read and shown in.
	Location *time.Location
	// MaxMessageLength is counted in runes. Zero means 1000.
	MaxMessageLength int
	// ValidationRetries is how many times an invalid payload is sent back
	// to the model for correction within one turn.
	ValidationRetries int
	TurnTimeout       time.Duration

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type Orchestrator struct {
	store    *persistence.Store
	llm      Gateway
	replies  ReplySink
	prompts  *prompts.Set
	logger   *slog.Logger
	loc      *time.Location
	maxLen   int
	retries  int
	timeout  time.Duration
	tracer   trace.Tracer
	metrics  *otel.Metrics
	now      func() time.Time
	userLock *userLocks
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:    cfg.Store,
		llm:      cfg.LLM,
		replies:  cfg.Replies,
		prompts:  cfg.Prompts,
		logger:   cfg.Logger,
		loc:      cfg.Location,
		maxLen:   cfg.MaxMessageLength,
		retries:  max(cfg.ValidationRetries, 0),
		timeout:  cfg.TurnTimeout,
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		userLock: newUserLocks(),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.loc == nil {
		o.loc = time.UTC
	}
	if o.maxLen <= 0 {
		o.maxLen = defaultMaxMessageLength
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Handle processes one inbound message. Errors are logged, never returned.
func (o *Orchestrator) Handle(ctx context.Context, userID int64, text string) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithUserID(ctx, userID)
	ctx, span := otel.StartSpan(ctx, o.tracer, "dialog.turn", otel.AttrUserID.Int64(userID))
	defer span.End()
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in dialog turn: %v", r)
			}
		}()
		return o.Dispatch(ctx, userID, text)
	}()

	outcome := outcomeOf(err)
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	o.metrics.RecordTurn(ctx, outcome, time.Since(start))

	logger := telemetry.FromContext(ctx, o.logger)
	var verr *ValidationError
	switch {
	case err == nil:
		logger.Debug("turn handled")
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrMessageTooLong):
		logger.Info("turn handled", "outcome", outcome, "error", err)
	case errors.As(err, &verr):
		span.SetStatus(codes.Error, "validation")
		logger.Warn("turn failed", "outcome", outcome, "operation", verr.Operation.String(), "error", err, "raw", verr.Raw)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Error("turn failed", "outcome", outcome, "error", err)
	}
}

func outcomeOf(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrMessageTooLong):
		return "too_long"
	case errors.Is(err, ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, persistence.ErrConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// Dispatch runs one turn for userID and returns its typed error. Turns of
// the same user are serialized.
func (o *Orchestrator) Dispatch(ctx context.Context, userID int64, text string) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	unlock, err := o.userLock.lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("wait for user lock: %w", err)
	}
	defer unlock()

	text = strings.TrimSpace(text)
	conv, err := o.store.GetConversation(ctx, userID)
	known := err == nil
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("load conversation: %w", err)
	}

	if isStart(text) {
		return o.start(ctx, userID, known)
	}
	if !known {
		return fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if n := utf8.RuneCountInString(text); n > o.maxLen {
		o.reply(ctx, userID, MsgTooLong)
		return fmt.Errorf("%d runes over limit %d: %w", n, o.maxLen, ErrMessageTooLong)
	}

	if cmd := parseCommand(text); cmd != cmdNone {
		if conv, err = o.reset(ctx, conv); err != nil {
			return err
		}
		if cmd == cmdCancel {
			o.reply(ctx, userID, MsgCanceled)
			return nil
		}
		kind := cmd.kind()
		if kind == OpList {
			return o.list(ctx, userID)
		}
		op, err := operationFor(kind)
		if err != nil {
			return err
		}
		return o.runOperation(ctx, conv, op.intent, kind)
	}

	kind, inOperation := kindForMode(conv.Mode)
	if !inOperation {
		if kind, err = o.classify(ctx, text); err != nil {
			return err
		}
	}
	switch kind {
	case OpNone:
		o.reply(ctx, userID, MsgFallback)
		return nil
	case OpList:
		return o.list(ctx, userID)
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return o.runOperation(ctx, conv, text, kind)
	}
	return fmt.Errorf("%w: %s", ErrNoFinisher, kind)
}

func (o *Orchestrator) start(ctx context.Context, userID int64, known bool) error {
	if known {
		o.reply(ctx, userID, MsgAlreadyKnown)
		return nil
	}
	created, err := o.store.CreateConversation(ctx, userID)
	if err != nil {
		return err
	}
	if created {
		telemetry.FromContext(ctx, o.logger).Info("user registered")
		o.reply(ctx, userID, MsgWelcome)
	} else {
		o.reply(ctx, userID, MsgAlreadyKnown)
	}
	return nil
}

// reset puts conv back to free with an empty history. It is a no-op for a
// conversation that is already free and empty.
func (o *Orchestrator) reset(ctx context.Context, conv persistence.Conversation) (persistence.Conversation, error) {
	if conv.Mode == persistence.ModeFree && len(conv.History) == 0 {
		return conv, nil
	}
	conv.Mode = persistence.ModeFree
	conv.History = nil
	saved, err := o.store.SaveConversation(ctx, conv)
	if err != nil {
		return conv, fmt.Errorf("reset conversation: %w", err)
	}
	return saved, nil
}

// Cancel drops any operation in progress for userID and acknowledges it.
func (o *Orchestrator) Cancel(ctx context.Context, userID int64) error {
	return o.Dispatch(ctx, userID, "/cancel")
}

func (o *Orchestrator) list(ctx context.Context, userID int64) error {
	tasks, err := o.store.ListTasks(ctx, userID, persistence.TaskStatusActive)
	if err != nil {
		return err
	}
	o.reply(ctx, userID, renderList(tasks, o.loc))
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, text string) (OperationKind, error) {
	system, err := o.prompts.Render(prompts.Classify, prompts.Vars{Now: o.now().In(o.loc)})
	if err != nil {
		return OpNone, err
	}
	answer, err := o.llm.Generate(ctx, []persistence.Turn{
		{Role: persistence.RoleSystem, Content: system},
		{Role: persistence.RoleUser, Content: seedPrefix + text},
	}, false)
	if err != nil {
		return OpNone, fmt.Errorf("%w: classify: %w", ErrUpstream, err)
	}
	kind := parseScenario(answer)
	telemetry.FromContext(ctx, o.logger).Debug("message classified", "scenario", kind.String())
	return kind, nil
}

// runOperation drives one exchange of an operation. The LLM round-trips
// happen before any transaction is opened; the resulting conversation write
// and task mutation commit together.
func (o *Orchestrator) runOperation(ctx context.Context, conv persistence.Conversation, message string, kind OperationKind) error {
	op, err := operationFor(kind)
	if err != nil {
		return err
	}
	ctx = shared.WithOperation(ctx, kind.String())
	ctx, span := otel.StartSpan(ctx, o.tracer, "dialog.operation",
		otel.AttrUserID.Int64(conv.UserID), otel.AttrOperation.String(kind.String()))
	defer span.End()

	conv.Mode = op.mode
	history := slices.Clone(conv.History)
	if len(history) == 0 {
		system, err := o.systemPrompt(ctx, conv.UserID, op)
		if err != nil {
			return err
		}
		history = []persistence.Turn{
			{Role: persistence.RoleSystem, Content: system},
			{Role: persistence.RoleUser, Content: seedPrefix + message},
		}
	} else {
		history = append(history, persistence.Turn{Role: persistence.RoleUser, Content: message})
	}

	env, answer, err := o.ask(ctx, history)
	if err != nil {
		return err
	}
	if !env.Status {
		return o.continueExchange(ctx, conv, history, env.Message)
	}

	fin, err := op.decode(env.Data, o.loc)
	local := slices.Clone(history)
	for attempt := 0; attempt < o.retries; attempt++ {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			break
		}
		telemetry.FromContext(ctx, o.logger).Info("payload rejected, asking model to correct",
			"attempt", attempt+1, "error", verr.Message)
		local = append(local,
			persistence.Turn{Role: persistence.RoleAssistant, Content: answer},
			persistence.Turn{Role: persistence.RoleUser, Content: fmt.Sprintf(correctionTemplate, verr.Message)},
		)
		if env, answer, err = o.ask(ctx, local); err != nil {
			return err
		}
		if !env.Status {
			return o.continueExchange(ctx, conv, history, env.Message)
		}
		fin, err = op.decode(env.Data, o.loc)
	}
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return o.failValidation(ctx, conv.UserID, verr)
		}
		return err
	}
	return o.finish(ctx, conv, history, op, fin)
}

func (o *Orchestrator) systemPrompt(ctx context.Context, userID int64, op operation) (string, error) {
	vars := prompts.Vars{Now: o.now().In(o.loc)}
	if op.listTasks {
		tasks, err := o.store.ListTasks(ctx, userID, persistence.TaskStatusActive)
		if err != nil {
			return "", err
		}
		vars.Tasks = renderTaskLines(tasks, o.loc)
	}
	return o.prompts.Render(op.prompt, vars)
}

// ask sends history to the model and parses the envelope of its answer.
func (o *Orchestrator) ask(ctx context.Context, history []persistence.Turn) (envelope, string, error) {
	answer, err := o.llm.Generate(ctx, history, true)
	if err != nil {
		return envelope{}, "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	env, err := parseEnvelope(answer)
	if err != nil {
		return envelope{}, answer, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return env, answer, nil
}

// continueExchange records the model's follow-up question and sends it.
func (o *Orchestrator) continueExchange(ctx context.Context, conv persistence.Conversation, history []persistence.Turn, message string) error {
	conv.History = append(slices.Clone(history), persistence.Turn{Role: persistence.RoleAssistant, Content: message})
	if err := o.store.InTx(ctx, func(tx *persistence.Tx) error {
		_, err := tx.SaveConversation(ctx, conv)
		return err
	}); err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	o.reply(ctx, conv.UserID, message)
	return nil
}

// finish applies fin and resets the conversation in one transaction. When
// the referenced task does not exist the operation stays active and the
// not-found notice is recorded as the model's turn instead.
func (o *Orchestrator) finish(ctx context.Context, conv persistence.Conversation, history []persistence.Turn, op operation, fin finisher) error {
	var (
		reply    string
		notFound error
	)
	err := o.store.InTx(ctx, func(tx *persistence.Tx) error {
		reply, notFound = "", nil
		next := conv
		text, err := fin.apply(ctx, tx, conv.UserID, o.loc)
		switch {
		case errors.Is(err, ErrTaskNotFound):
			notFound = err
			reply = MsgTaskNotFound
			next.History = append(slices.Clone(history), persistence.Turn{Role: persistence.RoleAssistant, Content: MsgTaskNotFound})
		case err != nil:
			return err
		default:
			reply = text
			next.Mode = persistence.ModeFree
			next.History = nil
		}
		_, err = tx.SaveConversation(ctx, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", op.kind, err)
	}
	if notFound == nil && op.mutates {
		o.metrics.RecordTaskMutation(ctx, op.kind.String())
	}
	o.reply(ctx, conv.UserID, reply)
	return notFound
}

func (o *Orchestrator) failValidation(ctx context.Context, userID int64, verr *ValidationError) error {
	if err := o.store.ResetConversation(ctx, userID); err != nil {
		return errors.Join(verr, fmt.Errorf("reset after validation failure: %w", err))
	}
	o.reply(ctx, userID, MsgNotUnderstood)
	return verr
}

func (o *Orchestrator) reply(ctx context.Context, userID int64, text string) {
	if o.replies == nil {
		return
	}
	o.replies.Send(ctx, userID, text)
}
