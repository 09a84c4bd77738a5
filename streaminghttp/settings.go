package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Filter decides which upstream events are published downstream and
// whether streaming deltas are forwarded. Loaded from a settings file the
// user edits; the relay reloads it on change.
type Filter struct {
	// AllowTypes, when non-empty, is an exclusive allow-list of event
	// types. DenyTypes is applied afterwards either way.
	AllowTypes []string `json:"allowTypes"`
	DenyTypes  []string `json:"denyTypes"`

	// DropDeltas strips properties.delta from message.part.updated events
	// before publication, for consumers that only want settled text.
	DropDeltas bool `json:"dropDeltas"`

	allow map[string]struct{}
	deny  map[string]struct{}
}

func (f *Filter) compile() {
	f.allow = make(map[string]struct{}, len(f.AllowTypes))
	for _, t := range f.AllowTypes {
		f.allow[t] = struct{}{}
	}
	f.deny = make(map[string]struct{}, len(f.DenyTypes))
	for _, t := range f.DenyTypes {
		f.deny[t] = struct{}{}
	}
}

// Allows reports whether events of the given type pass the filter.
func (f *Filter) Allows(eventType string) bool {
	if f == nil {
		return true
	}
	if len(f.allow) > 0 {
		if _, ok := f.allow[eventType]; !ok {
			return false
		}
	}
	_, denied := f.deny[eventType]
	return !denied
}

// LoadFilterFile reads and compiles a Filter from a JSON settings file.
func LoadFilterFile(path string) (*Filter, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter settings: %w", err)
	}
	var f Filter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse filter settings %s: %w", path, err)
	}
	f.compile()
	return &f, nil
}

// watchFilter reloads the filter file on change and hands the result to
// apply. It watches the containing directory because editors typically
// replace files via rename. Blocks until ctx is done.
func watchFilter(ctx context.Context, log *slog.Logger, path string, apply func(*Filter)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f, err := LoadFilterFile(path)
			if err != nil {
				// Keep the previous filter; a half-written file is normal
				// mid-save.
				log.Warn("relay.settings.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.Info("relay.settings.reload.ok", slog.String("path", path))
			apply(f)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("relay.settings.watch.err", slog.String("err", err.Error()))
		}
	}
}
