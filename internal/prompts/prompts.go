// Package prompts holds the system prompts sent to the LLM. Built-in
// defaults are embedded; files in the override directory named after a
// prompt (for example classify.md) replace them and can be reloaded live.
package prompts

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

//go:embed defaults/*.md
var defaults embed.FS

type Name string

const (
	Classify   Name = "classify"
	CreateTask Name = "create_task"
	ReadTask   Name = "read_task"
	UpdateTask Name = "update_task"
	DeleteTask Name = "delete_task"
)

// All lists every prompt the bot uses.
var All = []Name{Classify, CreateTask, ReadTask, UpdateTask, DeleteTask}

// NowLayout is how {{now}} is rendered.
const NowLayout = "2006-01-02 15:04:05 (Monday, MST)"

// Vars are substituted into a template.
type Vars struct {
	Now time.Time
	// Tasks is the pre-rendered task listing for {{tasks}}.
	Tasks string
}

type Set struct {
	mu          sync.RWMutex
	templates   map[Name]string
	overridden  map[Name]bool
	overrideDir string
	logger      *slog.Logger
}

// Load builds a Set from the embedded defaults and any overrides found in
// overrideDir. An empty overrideDir disables overrides.
func Load(overrideDir string, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{overrideDir: overrideDir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads overrides. A missing or empty override file falls back to
// the default; the previous templates stay active if loading fails.
func (s *Set) Reload() error {
	templates := make(map[Name]string, len(All))
	overridden := make(map[Name]bool)
	for _, name := range All {
		raw, err := defaults.ReadFile("defaults/" + string(name) + ".md")
		if err != nil {
			return fmt.Errorf("read default prompt %s: %w", name, err)
		}
		templates[name] = strings.TrimSpace(string(raw))

		if s.overrideDir == "" {
			continue
		}
		path := filepath.Join(s.overrideDir, string(name)+".md")
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read prompt override %s: %w", path, err)
		}
		if text := strings.TrimSpace(string(b)); text != "" {
			templates[name] = text
			overridden[name] = true
		}
	}

	s.mu.Lock()
	s.templates = templates
	s.overridden = overridden
	s.mu.Unlock()

	names := make([]string, 0, len(overridden))
	for _, name := range All {
		if overridden[name] {
			names = append(names, string(name))
		}
	}
	s.logger.Info("prompts loaded", "overrides", names)
	return nil
}

// Overridden reports whether name currently comes from the override directory.
func (s *Set) Overridden(name Name) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overridden[name]
}

// Template returns the raw template for name.
func (s *Set) Template(name Name) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return t, nil
}

// Render returns the template for name with {{now}} and {{tasks}} filled in.
func (s *Set) Render(name Name, vars Vars) (string, error) {
	t, err := s.Template(name)
	if err != nil {
		return "", err
	}
	now := ""
	if !vars.Now.IsZero() {
		now = vars.Now.Format(NowLayout)
	}
	tasks := vars.Tasks
	if strings.TrimSpace(tasks) == "" {
		tasks = "(none)"
	}
	return strings.NewReplacer("{{now}}", now, "{{tasks}}", tasks).Replace(t), nil
}
