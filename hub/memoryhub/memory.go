// Package memoryhub provides the in-process hub.Hub used by single-node
// deployments and tests. Replay is bounded by a byte budget rather than a
// frame count because individual payloads (streaming deltas, tool output)
// vary wildly in size.
package memoryhub

import (
	"context"
	"io"
	"sync"

	"github.com/opencode-studio/eventstream-go/hub"
)

const (
	// DefaultReplayMaxBytes bounds memory used for Last-Event-ID replay.
	DefaultReplayMaxBytes = 8 * 1024 * 1024

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that cannot drain this many frames is disconnected as lagged.
	subscriberBuffer = 4096
)

// Option configures the memory hub.
type Option func(*Hub)

// WithReplayMaxBytes overrides the replay buffer byte budget.
func WithReplayMaxBytes(n int) Option {
	return func(h *Hub) { h.replayMaxBytes = n }
}

// Hub implements hub.Hub with channel fan-out and a byte-budgeted replay
// ring. Frames larger than the whole budget are delivered live-only and
// recorded so resuming subscribers get a forced gap instead of silently
// missing them.
type Hub struct {
	replayMaxBytes int

	mu                  sync.Mutex
	nextSeq             uint64
	buffer              []hub.Frame
	bufferBytes         int
	latestUnbufferedSeq uint64
	subs                map[*subscription]struct{}
	closed              bool
}

// New creates an empty memory hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		replayMaxBytes: DefaultReplayMaxBytes,
		subs:           make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Publish(ctx context.Context, payload []byte) (uint64, error) {
	return h.publish(ctx, payload, false, true)
}

func (h *Hub) PublishTransient(ctx context.Context, payload []byte, closeAfter bool) (uint64, error) {
	return h.publish(ctx, payload, closeAfter, false)
}

func (h *Hub) publish(ctx context.Context, payload []byte, closeAfter, store bool) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, hub.ErrClosed
	}

	h.nextSeq++
	frame := hub.Frame{Seq: h.nextSeq, Payload: payload, CloseAfter: closeAfter}

	if store {
		if len(payload) <= h.replayMaxBytes {
			h.buffer = append(h.buffer, frame)
			h.bufferBytes += len(payload)
			for h.bufferBytes > h.replayMaxBytes && len(h.buffer) > 0 {
				h.bufferBytes -= len(h.buffer[0].Payload)
				h.buffer = h.buffer[1:]
			}
		} else if frame.Seq > h.latestUnbufferedSeq {
			h.latestUnbufferedSeq = frame.Seq
		}
	}

	for sub := range h.subs {
		select {
		case sub.ch <- frame:
		default:
			// Can't keep up; close it so the client reconnects and
			// reconciles instead of consuming a truncated stream.
			sub.closeLagged()
			delete(h.subs, sub)
		}
	}
	return frame.Seq, nil
}

func (h *Hub) LatestSeq(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq, nil
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Subscribe(ctx context.Context, lastSeq uint64) (*hub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, hub.ErrClosed
	}

	seqAtSubscribe := h.nextSeq
	requested := lastSeq
	if lastSeq > seqAtSubscribe {
		lastSeq = seqAtSubscribe
	}

	sub := &subscription{
		hub:     h,
		lastSeq: lastSeq,
	}

	var replay []hub.Frame
	gapSeq := h.replayGapSeqLocked(requested, lastSeq, seqAtSubscribe)
	if gapSeq == 0 {
		for _, f := range h.buffer {
			if f.Seq > lastSeq && f.Seq <= seqAtSubscribe {
				replay = append(replay, f)
			}
		}
	} else if gapSeq > sub.lastSeq {
		sub.lastSeq = gapSeq
	}

	// The channel must hold the whole replay set on top of the live
	// headroom: queueing happens under the hub lock, so a blocking send
	// here would wedge every publisher.
	sub.ch = make(chan hub.Frame, len(replay)+subscriberBuffer)
	for _, f := range replay {
		sub.ch <- f
	}

	h.subs[sub] = struct{}{}
	return &hub.Subscription{Stream: sub, SeqAtSubscribe: seqAtSubscribe, GapSeq: gapSeq}, nil
}

// replayGapSeqLocked reports the highest unrecoverable sequence for a
// subscriber resuming from lastSeq, or 0 when replay fully covers the
// range up to seqAtSubscribe.
func (h *Hub) replayGapSeqLocked(requested, lastSeq, seqAtSubscribe uint64) uint64 {
	if requested > seqAtSubscribe {
		// Cursor from a previous hub incarnation; force reconciliation.
		return seqAtSubscribe
	}
	if seqAtSubscribe == 0 || lastSeq >= seqAtSubscribe {
		return 0
	}
	unbuffered := h.latestUnbufferedSeq
	if unbuffered > seqAtSubscribe {
		unbuffered = seqAtSubscribe
	}
	if unbuffered > 0 && lastSeq < unbuffered {
		return unbuffered
	}
	if len(h.buffer) == 0 {
		return 0
	}
	oldest := h.buffer[0].Seq
	if lastSeq+1 < oldest {
		return oldest
	}
	return 0
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeEOF()
	}
	h.subs = make(map[*subscription]struct{})
	h.buffer = nil
	h.bufferBytes = 0
	return nil
}

type subscription struct {
	hub     *Hub
	ch      chan hub.Frame
	lastSeq uint64

	closeOnce sync.Once
	lagged    bool
	done      chan struct{}
	doneOnce  sync.Once
}

func (s *subscription) doneCh() chan struct{} {
	s.doneOnce.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

func (s *subscription) Next(ctx context.Context) (hub.Frame, error) {
	for {
		select {
		case f, ok := <-s.ch:
			if !ok {
				if s.lagged {
					return hub.Frame{}, hub.ErrLagged
				}
				return hub.Frame{}, io.EOF
			}
			if f.Seq <= s.lastSeq {
				continue
			}
			s.lastSeq = f.Seq
			return f, nil
		case <-s.doneCh():
			if s.lagged {
				return hub.Frame{}, hub.ErrLagged
			}
			return hub.Frame{}, io.EOF
		case <-ctx.Done():
			return hub.Frame{}, ctx.Err()
		}
	}
}

func (s *subscription) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.closeOnce.Do(func() { close(s.doneCh()) })
	return nil
}

func (s *subscription) closeLagged() {
	s.lagged = true
	s.closeOnce.Do(func() { close(s.doneCh()) })
}

func (s *subscription) closeEOF() {
	s.closeOnce.Do(func() { close(s.doneCh()) })
}

var _ hub.Hub = (*Hub)(nil)
