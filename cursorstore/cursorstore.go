// Package cursorstore persists the last accepted stream cursor per stream
// label, so relays and clients can resume with Last-Event-ID across
// process restarts instead of replaying or losing the feed.
package cursorstore

import "context"

// Store is a small keyed cursor persistence surface.
type Store interface {
	// Load returns the saved cursor for label, or "" when none exists.
	Load(ctx context.Context, label string) (string, error)

	// Save overwrites the cursor for label.
	Save(ctx context.Context, label, cursor string) error

	// Close releases backend resources.
	Close() error
}
