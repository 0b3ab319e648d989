package dialog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/prompts"
)

var testNow = time.Date(2026, 2, 27, 9, 30, 0, 0, time.UTC)

type llmCall struct {
	turns      []persistence.Turn
	structured bool
}

// fakeLLM answers from a script, or from respond when set.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []llmCall
	script  []fakeAnswer
	respond func(turns []persistence.Turn, structured bool) (string, error)
}

type fakeAnswer struct {
	text string
	err  error
}

func scripted(answers ...string) *fakeLLM {
	f := &fakeLLM{}
	for _, a := range answers {
		f.script = append(f.script, fakeAnswer{text: a})
	}
	return f
}

func (f *fakeLLM) Generate(_ context.Context, turns []persistence.Turn, structured bool) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{turns: slices.Clone(turns), structured: structured})
	respond := f.respond
	var next *fakeAnswer
	if respond == nil && len(f.script) > 0 {
		next = &f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if respond != nil {
		return respond(turns, structured)
	}
	if next == nil {
		return "", errors.New("fake llm: unexpected call")
	}
	return next.text, next.err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(t *testing.T, i int) llmCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		t.Fatalf("expected at least %d llm calls, got %d", i+1, len(f.calls))
	}
	return f.calls[i]
}

type sentMessage struct {
	userID int64
	text   string
}

type fakeSink struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSink) Send(_ context.Context, userID int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{userID: userID, text: text})
}

func (s *fakeSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.text)
	}
	return out
}

func (s *fakeSink) last(t *testing.T) string {
	t.Helper()
	texts := s.texts()
	if len(texts) == 0 {
		t.Fatal("expected a reply, got none")
	}
	return texts[len(texts)-1]
}

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "remindbot.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

type harness struct {
	orch   *Orchestrator
	store  *persistence.Store
	llm    *fakeLLM
	sink   *fakeSink
	prompt *prompts.Set
	loc    *time.Location
}

func newHarness(t *testing.T, llm *fakeLLM) *harness {
	t.Helper()
	store, _ := openTestStore(t)
	return newHarnessWithStore(t, store, llm)
}

func newHarnessWithStore(t *testing.T, store *persistence.Store, llm *fakeLLM) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	set, err := prompts.Load(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	loc := time.FixedZone("UTC+2", 2*60*60)
	sink := &fakeSink{}
	orch := New(Config{
		Store:             store,
		LLM:               llm,
		Replies:           sink,
		Prompts:           set,
		Logger:            logger,
		Location:          loc,
		MaxMessageLength:  1000,
		ValidationRetries: 1,
		TurnTimeout:       5 * time.Second,
		Now:               func() time.Time { return testNow },
	})
	return &harness{orch: orch, store: store, llm: llm, sink: sink, prompt: set, loc: loc}
}

func (h *harness) dispatch(t *testing.T, userID int64, text string) error {
	t.Helper()
	return h.orch.Dispatch(context.Background(), userID, text)
}

func (h *harness) start(t *testing.T, userID int64) {
	t.Helper()
	if err := h.dispatch(t, userID, "/start"); err != nil {
		t.Fatalf("/start: %v", err)
	}
}

func (h *harness) conversation(t *testing.T, userID int64) persistence.Conversation {
	t.Helper()
	conv, err := h.store.GetConversation(context.Background(), userID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	return conv
}

// putInMode stores conv in mode with the given history.
func (h *harness) putInMode(t *testing.T, userID int64, mode persistence.Mode, history ...persistence.Turn) persistence.Conversation {
	t.Helper()
	conv := h.conversation(t, userID)
	conv.Mode = mode
	conv.History = history
	saved, err := h.store.SaveConversation(context.Background(), conv)
	if err != nil {
		t.Fatalf("save conversation: %v", err)
	}
	return saved
}

func (h *harness) createTask(t *testing.T, userID int64, title string, deadline time.Time) persistence.Task {
	t.Helper()
	task, err := h.store.CreateTask(context.Background(), persistence.NewTask{UserID: userID, Title: title, DeadlineAt: deadline})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func seededHistory(system, message, assistant string) []persistence.Turn {
	return []persistence.Turn{
		{Role: persistence.RoleSystem, Content: system},
		{Role: persistence.RoleUser, Content: "Message: " + message},
		{Role: persistence.RoleAssistant, Content: assistant},
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
