package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type ReloadKind int

const (
	ReloadConfig ReloadKind = iota
	ReloadPrompt
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
	Kind ReloadKind
}

// Watcher reports changes to config.yaml and to prompt overrides under
// <home>/prompts.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// The home directory is watched rather than config.yaml itself so that
	// editors replacing the file by rename keep being observed.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	promptsDir := PromptsDir(w.homeDir)
	if err := os.MkdirAll(promptsDir, 0o755); err == nil {
		if err := fsw.Add(promptsDir); err != nil {
			w.logger.Warn("prompt overrides not watched", "dir", promptsDir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				kind, relevant := w.classify(ev.Name)
				if !relevant {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Kind: kind}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) classify(path string) (ReloadKind, bool) {
	if filepath.Clean(path) == filepath.Clean(ConfigPath(w.homeDir)) {
		return ReloadConfig, true
	}
	if filepath.Dir(filepath.Clean(path)) == filepath.Clean(PromptsDir(w.homeDir)) &&
		strings.HasSuffix(path, ".md") {
		return ReloadPrompt, true
	}
	return 0, false
}
