package grader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/bosley/poise/recording"
)

func (g *Grader) watchFiles(ctx context.Context) {
	if err := os.MkdirAll(g.config.InboxDir, 0755); err != nil {
		slog.Error("Failed to create inbox directory",
			"error", err,
			"path", g.config.InboxDir)
		return
	}

	if err := g.watcher.Add(g.config.InboxDir); err != nil {
		slog.Error("Failed to start watching inbox directory",
			"error", err,
			"path", g.config.InboxDir)
		return
	}

	slog.Info("Started watching inbox directory", "path", g.config.InboxDir)

	g.scanInbox()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}

			if err := g.handleFSEvent(event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// scanInbox picks up bundles that arrived while the grader was down.
func (g *Grader) scanInbox() {
	entries, err := os.ReadDir(g.config.InboxDir)
	if err != nil {
		slog.Error("Failed to read inbox directory", "error", err, "path", g.config.InboxDir)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := g.watchBundle(filepath.Join(g.config.InboxDir, e.Name())); err != nil {
			slog.Error("Failed to watch bundle directory", "error", err, "name", e.Name())
		}
	}
}

func (g *Grader) handleFSEvent(event fsnotify.Event) error {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return nil
	}
	if strings.HasSuffix(event.Name, ".tmp") {
		return nil
	}

	relPath, err := filepath.Rel(g.config.InboxDir, event.Name)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}

	parts := strings.Split(relPath, string(filepath.Separator))
	switch len(parts) {
	case 1:
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() || strings.HasPrefix(parts[0], ".") {
			return nil
		}
		slog.Debug("Found new bundle directory", "name", parts[0])
		return g.watchBundle(event.Name)

	case 2:
		if parts[1] == recording.DoneFile {
			return g.Enqueue(filepath.Dir(event.Name))
		}
	}
	return nil
}

// watchBundle watches a bundle directory for its done marker, queueing it right away if the
// marker is already there.
func (g *Grader) watchBundle(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, recording.DoneFile)); err == nil {
		return g.Enqueue(dir)
	}
	if err := g.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch bundle directory: %w", err)
	}
	// The marker may have landed between the stat and the watch.
	if _, err := os.Stat(filepath.Join(dir, recording.DoneFile)); err == nil {
		return g.Enqueue(dir)
	}
	return nil
}
