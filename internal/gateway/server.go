// Package gateway serves the Telegram webhook and a health endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/remindbot/internal/channels"
	"github.com/basket/remindbot/internal/otel"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/shared"
)

// maxUpdateBytes caps a webhook body. Telegram updates are a few KB.
const maxUpdateBytes = 1 << 20

// defaultDispatchWait bounds how long a webhook request waits for a free
// dispatcher slot before the update is dropped.
const defaultDispatchWait = 500 * time.Millisecond

type Config struct {
	Store      *persistence.Store
	Dispatcher *channels.Dispatcher
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics

	BindAddr    string
	WebhookPath string
	// DispatchWait caps the wait for a free dispatcher slot; zero means
	// defaultDispatchWait.
	DispatchWait time.Duration
	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	httpServer *http.Server
}

func New(cfg Config) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/telegram/webhook"
	}
	if cfg.DispatchWait <= 0 {
		cfg.DispatchWait = defaultDispatchWait
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, tracer: otel.TracerOrNoop(cfg.Tracer)}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.httpServer = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post(s.cfg.WebhookPath, s.handleWebhook)
	r.Get("/healthz", s.handleHealthz)
	return r
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "webhook_path", s.cfg.WebhookPath)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then waits for dispatched messages to
// finish until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.cfg.Dispatcher != nil {
		if werr := s.cfg.Dispatcher.Wait(ctx); werr != nil {
			s.logger.Warn("gateway shutdown: messages still in flight", "inflight", s.cfg.Dispatcher.Inflight())
			err = errors.Join(err, werr)
		}
	}
	return err
}

// handleWebhook always answers 200 so Telegram never redelivers an update;
// bodies that are not text messages are logged and dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.webhook")
	defer span.End()
	logger := s.logger.With("trace_id", traceID)

	defer w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		logger.Warn("webhook body unreadable", "error", err)
		s.cfg.Metrics.RecordWebhookUpdate(ctx, false)
		return
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		logger.Warn("webhook body is not a telegram update", "error", err, "bytes", len(body))
		s.cfg.Metrics.RecordWebhookUpdate(ctx, false)
		return
	}
	in, ok := channels.MessageFromUpdate(update)
	if !ok {
		logger.Debug("webhook update ignored", "update_id", update.UpdateID)
		s.cfg.Metrics.RecordWebhookUpdate(ctx, false)
		return
	}
	span.SetAttributes(otel.AttrUserID.Int64(in.UserID))
	if s.cfg.Dispatcher == nil {
		s.cfg.Metrics.RecordWebhookUpdate(ctx, false)
		return
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchWait)
	accepted := s.cfg.Dispatcher.Dispatch(dctx, in)
	cancel()
	if !accepted {
		logger.Warn("webhook update dropped", "update_id", update.UpdateID, "user_id", in.UserID, "wait", s.cfg.DispatchWait)
		s.cfg.Metrics.RecordWebhookUpdate(ctx, false)
		return
	}
	s.cfg.Metrics.RecordWebhookUpdate(ctx, true)
	logger.Debug("webhook update accepted", "update_id", update.UpdateID, "user_id", in.UserID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
			dbOK = false
		}
	}
	inflight := 0
	if s.cfg.Dispatcher != nil {
		inflight = s.cfg.Dispatcher.Inflight()
	}
	status, code := "ok", http.StatusOK
	if !dbOK {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             status,
		"db_ok":              dbOK,
		"inflight":           inflight,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}
