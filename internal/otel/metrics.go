package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the remindbot instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MessagesHandled metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	LLMCallDuration metric.Float64Histogram
	LLMErrors       metric.Int64Counter
	TaskMutations   metric.Int64Counter
	RemindersSent   metric.Int64Counter
	WebhookUpdates  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesHandled, err = meter.Int64Counter("remindbot.messages",
		metric.WithDescription("Inbound messages handled, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("remindbot.turn.duration",
		metric.WithDescription("Dialog turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("remindbot.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMErrors, err = meter.Int64Counter("remindbot.llm.errors",
		metric.WithDescription("Failed LLM API calls"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskMutations, err = meter.Int64Counter("remindbot.tasks.mutations",
		metric.WithDescription("Committed task mutations, by operation"),
	)
	if err != nil {
		return nil, err
	}

	m.RemindersSent, err = meter.Int64Counter("remindbot.reminders.sent",
		metric.WithDescription("Due-soon reminders delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookUpdates, err = meter.Int64Counter("remindbot.webhook.updates",
		metric.WithDescription("Telegram updates received on the webhook"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTurn records one handled message and its duration.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.MessagesHandled.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordLLMCall records the duration of one LLM call and counts failures.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrModel.String(model))
	m.LLMCallDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.LLMErrors.Add(ctx, 1, attrs)
	}
}

// RecordTaskMutation counts a committed create, update or delete.
func (m *Metrics) RecordTaskMutation(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.TaskMutations.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(operation)))
}

// RecordReminder counts one delivered reminder.
func (m *Metrics) RecordReminder(ctx context.Context) {
	if m == nil {
		return
	}
	m.RemindersSent.Add(ctx, 1)
}

// RecordWebhookUpdate counts one webhook delivery, accepted or not.
func (m *Metrics) RecordWebhookUpdate(ctx context.Context, accepted bool) {
	if m == nil {
		return
	}
	m.WebhookUpdates.Add(ctx, 1, metric.WithAttributes(attribute.Bool("accepted", accepted)))
}
