// Package hub defines the fan-out contract between the upstream relay and
// downstream event-stream subscribers: sequenced frames, bounded replay
// for Last-Event-ID resumption, and explicit gap reporting when a resume
// point has been evicted from the replay window.
package hub

import (
	"context"
	"errors"
)

var (
	// ErrLagged is returned by Stream.Next when the subscriber fell too far
	// behind live publication and was disconnected. The subscriber should
	// resubscribe and reconcile.
	ErrLagged = errors.New("hub: subscriber lagged behind")

	// ErrClosed is returned when the hub has been shut down.
	ErrClosed = errors.New("hub: closed")
)

// Frame is one sequenced event payload. Seq values are unique and strictly
// increasing within a hub. Transient frames carry Seq too but are never
// replayed.
type Frame struct {
	Seq     uint64
	Payload []byte

	// CloseAfter tells downstream handlers to end the connection after
	// delivering this frame.
	CloseAfter bool
}

// Hub is the ordered publish/subscribe surface backing the downstream
// event-stream endpoint.
type Hub interface {
	// Publish assigns the next sequence number to payload and delivers it
	// to live subscribers and the replay window.
	Publish(ctx context.Context, payload []byte) (uint64, error)

	// PublishTransient delivers to live subscribers only; the frame is not
	// replayable. Used for connectivity notices where replaying a stale
	// notice would mislead a resuming client.
	PublishTransient(ctx context.Context, payload []byte, closeAfter bool) (uint64, error)

	// Subscribe resumes from lastSeq; 0 replays from the start of the
	// replay window (or forces a gap when the window no longer begins at
	// the first sequence). Replay is capped at the sequence visible at
	// subscribe time so replay and live delivery cannot interleave out
	// of order.
	Subscribe(ctx context.Context, lastSeq uint64) (*Subscription, error)

	// LatestSeq returns the highest sequence number assigned so far.
	LatestSeq(ctx context.Context) (uint64, error)

	// SubscriberCount returns the number of live subscriptions.
	SubscriberCount() int

	// Close shuts the hub down and disconnects all subscribers.
	Close() error
}

// Subscription is an active resume-capable stream plus the resume metadata
// computed at subscribe time.
type Subscription struct {
	Stream Stream

	// SeqAtSubscribe is the latest assigned sequence when the subscription
	// was created. Replayed frames never exceed it.
	SeqAtSubscribe uint64

	// GapSeq is nonzero when frames between the requested resume point and
	// GapSeq are unrecoverable (evicted, oversized, or the cursor came
	// from a previous hub incarnation). The subscriber must reconcile out
	// of band before trusting the live stream.
	GapSeq uint64
}

// Stream yields frames in sequence order. Next blocks until a frame is
// available, the context is canceled, or the stream ends (io.EOF).
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}
