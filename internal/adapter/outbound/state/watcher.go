package state

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Watcher turns filesystem changes to the state file into change events
// for the bundle builder. Events are opaque triggers: the builder always
// refetches full state, so coalescing and loss during bursts are
// harmless as long as one trailing event survives (the builder's
// reconciliation loop covers total notification loss).
type Watcher struct {
	path   string
	events chan Event
	logger *slog.Logger

	fw *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given state file path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic rename-over replaces the
	// inode, which drops a direct file watch on some platforms.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:   path,
		events: make(chan Event, 16),
		logger: logger,
		fw:     fw,
	}, nil
}

// Events is the change notification channel.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run pumps filesystem notifications into the event channel until ctx is
// cancelled. The channel is closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			e := Event{ID: uuid.New().String(), At: time.Now().UTC()}
			select {
			case w.events <- e:
			default:
				// A full channel already guarantees a pending trigger.
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state watcher error", "error", err)
		}
	}
}
