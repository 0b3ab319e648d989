package prompts_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/remindbot/internal/prompts"
)

func TestLoad_DefaultsCoverEveryPrompt(t *testing.T) {
	set, err := prompts.Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range prompts.All {
		text, err := set.Template(name)
		if err != nil {
			t.Fatalf("template %s: %v", name, err)
		}
		if strings.TrimSpace(text) == "" {
			t.Fatalf("default prompt %s is empty", name)
		}
		if set.Overridden(name) {
			t.Fatalf("prompt %s unexpectedly overridden", name)
		}
	}
}

func TestLoad_OperationPromptsAskForJSON(t *testing.T) {
	set, err := prompts.Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []prompts.Name{prompts.CreateTask, prompts.ReadTask, prompts.UpdateTask, prompts.DeleteTask} {
		text, _ := set.Template(name)
		if !strings.Contains(text, `"status"`) || !strings.Contains(text, "JSON") {
			t.Fatalf("prompt %s does not describe the JSON envelope", name)
		}
	}
	classify, _ := set.Template(prompts.Classify)
	for _, label := range []string{"creating_task", "updating_task", "deleting_task", "reading_task", "list_tasks"} {
		if !strings.Contains(classify, label) {
			t.Fatalf("classify prompt missing label %s", label)
		}
	}
}

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	set, err := prompts.Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	now := time.Date(2026, 2, 28, 9, 15, 0, 0, time.UTC)

	got, err := set.Render(prompts.UpdateTask, prompts.Vars{Now: now, Tasks: "№3. Dentist"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(got, "2026-02-28 09:15:00") {
		t.Fatalf("expected rendered time, got:\n%s", got)
	}
	if !strings.Contains(got, "№3. Dentist") {
		t.Fatalf("expected rendered tasks, got:\n%s", got)
	}
	if strings.Contains(got, "{{") {
		t.Fatalf("unrendered placeholder left:\n%s", got)
	}

	empty, _ := set.Render(prompts.DeleteTask, prompts.Vars{Now: now})
	if !strings.Contains(empty, "(none)") {
		t.Fatalf("expected (none) for empty task listing, got:\n%s", empty)
	}
}

func TestRender_UnknownPrompt(t *testing.T) {
	set, err := prompts.Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := set.Render("nope", prompts.Vars{}); err == nil {
		t.Fatal("expected error for unknown prompt")
	}
}

func TestReload_PicksUpOverrides(t *testing.T) {
	dir := t.TempDir()
	set, err := prompts.Load(dir, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "classify.md"), []byte("custom classifier at {{now}}"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	if err := set.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !set.Overridden(prompts.Classify) {
		t.Fatal("expected classify to be overridden")
	}
	got, _ := set.Render(prompts.Classify, prompts.Vars{})
	if got != "custom classifier at " {
		t.Fatalf("unexpected override render: %q", got)
	}

	// Blank override falls back to the default.
	if err := os.WriteFile(filepath.Join(dir, "classify.md"), []byte("  \n"), 0o644); err != nil {
		t.Fatalf("write blank override: %v", err)
	}
	if err := set.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if set.Overridden(prompts.Classify) {
		t.Fatal("blank override must fall back to default")
	}
}
