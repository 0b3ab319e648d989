// Package llm talks to an OpenAI-compatible chat completion endpoint through
// Genkit's compat_oai plugin.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/remindbot/internal/otel"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/shared"
)

var (
	ErrNotConfigured = errors.New("llm: api key not configured")
	ErrEmptyResponse = errors.New("llm: empty response")
)

type Config struct {
	// Provider prefixes model names, e.g. "openai" gives "openai/<model>".
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Client struct {
	g         *genkit.Genkit
	modelName string
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm: model not configured")
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = "openai"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
		Provider: provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	}))
	logger.Info("llm client initialized", "provider", provider, "model", cfg.Model, "base_url", cfg.BaseURL)

	return &Client{
		g:         g,
		modelName: provider + "/" + cfg.Model,
		timeout:   timeout,
		logger:    logger,
		tracer:    otel.TracerOrNoop(cfg.Tracer),
		metrics:   cfg.Metrics,
	}, nil
}

// ModelName is the fully qualified model the client generates with.
func (c *Client) ModelName() string {
	return c.modelName
}

// Generate sends the whole turn history and returns the model's text. With
// structured set the endpoint is asked for a JSON object.
func (c *Client) Generate(ctx context.Context, turns []persistence.Turn, structured bool) (string, error) {
	msgs := toMessages(turns)
	if len(msgs) == 0 {
		return "", fmt.Errorf("llm: no messages to send")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "llm.generate",
		otel.AttrModel.String(c.modelName),
		otel.AttrStructured.Bool(structured),
	)
	defer span.End()

	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithMessages(msgs...),
	}
	if structured {
		opts = append(opts, ai.WithOutputFormat(ai.OutputFormatJSON))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, c.g, opts...)
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Text()) == "" {
		err = ErrEmptyResponse
	}
	c.metrics.RecordLLMCall(ctx, c.modelName, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		c.logger.Error("llm generate failed",
			"trace_id", shared.TraceID(ctx), "model", c.modelName,
			"structured", structured, "turns", len(msgs), "error", err)
		return "", fmt.Errorf("llm generate: %w", err)
	}

	text := resp.Text()
	c.logger.Debug("llm response",
		"trace_id", shared.TraceID(ctx), "model", c.modelName,
		"structured", structured, "duration_ms", elapsed.Milliseconds(), "chars", len(text))
	return text, nil
}

func toMessages(turns []persistence.Turn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns))
	for _, turn := range turns {
		var role ai.Role
		switch turn.Role {
		case persistence.RoleSystem:
			role = ai.RoleSystem
		case persistence.RoleUser:
			role = ai.RoleUser
		case persistence.RoleAssistant:
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(turn.Content)},
		})
	}
	return msgs
}
