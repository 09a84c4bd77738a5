// Package redishub provides a Redis Streams-backed hub.Hub for
// multi-process deployments: one relay publishes, any number of frontend
// processes serve downstream subscribers.
package redishub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/opencode-studio/eventstream-go/hub"
)

// Config for the Redis-backed hub. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTHUB_KEY_PREFIX
	KeyPrefix string `env:"EVENTHUB_KEY_PREFIX,default=eventhub:"`
	// ReplayMaxFrames caps the stream length (approximate trim).
	// ENV: EVENTHUB_REPLAY_MAX_FRAMES
	ReplayMaxFrames int64 `env:"EVENTHUB_REPLAY_MAX_FRAMES,default=4096"`

	// Client overrides the connection built from RedisAddr.
	Client redis.UniversalClient
}

// Hub implements hub.Hub on Redis Streams. Sequence numbers come from an
// INCR counter and double as stream entry ids ("<seq>-0"), which keeps the
// wire cursor numeric end to end.
type Hub struct {
	client    redis.UniversalClient
	keyPrefix string
	maxFrames int64

	mu   sync.Mutex
	subs int
}

// New creates a Redis hub from cfg.
func New(cfg Config) (*Hub, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "eventhub:"
	}
	maxFrames := cfg.ReplayMaxFrames
	if maxFrames <= 0 {
		maxFrames = 4096
	}
	return &Hub{client: client, keyPrefix: prefix, maxFrames: maxFrames}, nil
}

// NewFromEnv builds a Hub using envdecode to populate Config.
func NewFromEnv() (*Hub, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (h *Hub) streamKey() string  { return h.keyPrefix + "frames" }
func (h *Hub) counterKey() string { return h.keyPrefix + "seq" }

func (h *Hub) Publish(ctx context.Context, payload []byte) (uint64, error) {
	return h.publish(ctx, payload, false, true)
}

func (h *Hub) PublishTransient(ctx context.Context, payload []byte, closeAfter bool) (uint64, error) {
	return h.publish(ctx, payload, closeAfter, false)
}

func (h *Hub) publish(ctx context.Context, payload []byte, closeAfter, store bool) (uint64, error) {
	seq, err := h.client.Incr(ctx, h.counterKey()).Uint64()
	if err != nil {
		return 0, fmt.Errorf("allocate seq: %w", err)
	}
	values := map[string]interface{}{"d": payload}
	if closeAfter {
		values["c"] = "1"
	}
	if !store {
		// Kept in the stream for ordering but skipped on replay.
		values["t"] = "1"
	}
	if err := h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: h.streamKey(),
		ID:     fmt.Sprintf("%d-0", seq),
		MaxLen: h.maxFrames,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return 0, fmt.Errorf("xadd frame: %w", err)
	}
	return seq, nil
}

func (h *Hub) LatestSeq(ctx context.Context) (uint64, error) {
	seq, err := h.client.Get(ctx, h.counterKey()).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read seq counter: %w", err)
	}
	return seq, nil
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs
}

func (h *Hub) Subscribe(ctx context.Context, lastSeq uint64) (*hub.Subscription, error) {
	seqAtSubscribe, err := h.LatestSeq(ctx)
	if err != nil {
		return nil, err
	}

	requested := lastSeq
	if lastSeq > seqAtSubscribe {
		lastSeq = seqAtSubscribe
	}

	gapSeq, err := h.replayGapSeq(ctx, requested, lastSeq, seqAtSubscribe)
	if err != nil {
		return nil, err
	}

	start := lastSeq
	if gapSeq > start {
		start = gapSeq
	}

	h.mu.Lock()
	h.subs++
	h.mu.Unlock()

	s := &stream{hub: h, cursor: start, seqAtSubscribe: seqAtSubscribe}
	return &hub.Subscription{Stream: s, SeqAtSubscribe: seqAtSubscribe, GapSeq: gapSeq}, nil
}

func (h *Hub) replayGapSeq(ctx context.Context, requested, lastSeq, seqAtSubscribe uint64) (uint64, error) {
	if requested > seqAtSubscribe {
		return seqAtSubscribe, nil
	}
	if seqAtSubscribe == 0 || lastSeq >= seqAtSubscribe {
		return 0, nil
	}
	entries, err := h.client.XRangeN(ctx, h.streamKey(), "-", "+", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("read oldest frame: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	oldest := parseEntrySeq(entries[0].ID)
	if lastSeq+1 < oldest {
		return oldest, nil
	}
	return 0, nil
}

func (h *Hub) Close() error {
	return h.client.Close()
}

type stream struct {
	hub            *Hub
	cursor         uint64
	seqAtSubscribe uint64

	closeOnce sync.Once
	closed    chan struct{}
	initOnce  sync.Once
}

func (s *stream) closedCh() chan struct{} {
	s.initOnce.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

func (s *stream) Next(ctx context.Context) (hub.Frame, error) {
	for {
		select {
		case <-s.closedCh():
			return hub.Frame{}, hub.ErrClosed
		case <-ctx.Done():
			return hub.Frame{}, ctx.Err()
		default:
		}

		res, err := s.hub.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.hub.streamKey(), fmt.Sprintf("%d-0", s.cursor)},
			Count:   16,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return hub.Frame{}, ctx.Err()
			}
			return hub.Frame{}, fmt.Errorf("xread frames: %w", err)
		}
		for _, str := range res {
			for _, m := range str.Messages {
				seq := parseEntrySeq(m.ID)
				if seq <= s.cursor {
					continue
				}
				s.cursor = seq

				// Transient frames are live-only: skip any that predate
				// this subscription.
				if _, transient := m.Values["t"]; transient && seq <= s.seqAtSubscribe {
					continue
				}

				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					continue
				}
				_, closeAfter := m.Values["c"]
				return hub.Frame{Seq: seq, Payload: payload, CloseAfter: closeAfter}, nil
			}
		}
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedCh())
		s.hub.mu.Lock()
		s.hub.subs--
		s.hub.mu.Unlock()
	})
	return nil
}

func parseEntrySeq(id string) uint64 {
	base, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(base, 10, 64)
	return n
}

var _ hub.Hub = (*Hub)(nil)
