package eventstream

import (
	"strings"
	"sync"
	"time"

	"github.com/opencode-studio/eventstream-go/wire"
)

// defaultFlushInterval approximates one animation frame. Bursts of rapid
// updates inside a frame collapse into a single delivery pass.
const defaultFlushInterval = 16 * time.Millisecond

// coalescer buffers decoded events and delivers the whole queue at most
// once per flush interval. Events sharing a merge key collapse into the
// queue position of their first occurrence, so delivery order always
// equals insertion order.
type coalescer struct {
	interval time.Duration
	deliver  func([]*wire.Event)

	mu         sync.Mutex
	pending    []*wire.Event
	index      map[string]int
	lastFlush  time.Time
	timer      *time.Timer
	stopped    bool
	flushQueue [][]*wire.Event
	delivering bool
}

func newCoalescer(interval time.Duration, deliver func([]*wire.Event)) *coalescer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &coalescer{
		interval: interval,
		deliver:  deliver,
		index:    make(map[string]int),
	}
}

// mergeKey computes the coalescing key for an event, or "" when the event
// must never be merged.
func mergeKey(e *wire.Event) string {
	switch e.Type {
	case wire.TypeSessionStatus, wire.TypeSessionActivity:
		sid := e.SessionID()
		return strings.Join([]string{e.Type, e.Directory, sid}, "\x00")
	case wire.TypeMessagePartUpdated:
		part, _ := e.Properties["part"].(map[string]any)
		msgID := stringField(part, "messageID")
		if msgID == "" {
			msgID = stringField(e.Properties, "messageID")
		}
		partID := stringField(part, "id")
		if partID == "" {
			partID = stringField(e.Properties, "partID")
		}
		if msgID == "" && partID == "" {
			return ""
		}
		return strings.Join([]string{e.Type, e.Directory, e.SessionID(), msgID, partID}, "\x00")
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// enqueue appends or merges the event and schedules a flush.
func (c *coalescer) enqueue(e *wire.Event) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	key := mergeKey(e)
	if key != "" {
		if i, ok := c.index[key]; ok {
			c.mergeAt(i, e)
			c.scheduleLocked()
			c.mu.Unlock()
			return
		}
	}
	c.pending = append(c.pending, e)
	if key != "" {
		c.index[key] = len(c.pending) - 1
	}
	c.scheduleLocked()
	c.mu.Unlock()
}

// mergeAt folds incoming into the queued event at index i. Status-like
// events are replaced wholesale (latest wins). message.part.updated merges
// the nested part object field-wise and concatenates streamed deltas.
func (c *coalescer) mergeAt(i int, incoming *wire.Event) {
	existing := c.pending[i]
	if incoming.Type != wire.TypeMessagePartUpdated {
		c.pending[i] = incoming
		return
	}

	merged := make(map[string]any, len(existing.Properties)+len(incoming.Properties))
	for k, v := range existing.Properties {
		merged[k] = v
	}
	for k, v := range incoming.Properties {
		if k == "part" {
			next, ok := v.(map[string]any)
			prev, okPrev := merged["part"].(map[string]any)
			if ok && okPrev {
				mergedPart := make(map[string]any, len(prev)+len(next))
				for pk, pv := range prev {
					mergedPart[pk] = pv
				}
				for pk, pv := range next {
					mergedPart[pk] = pv
				}
				merged["part"] = mergedPart
				continue
			}
		}
		merged[k] = v
	}
	prevDelta, okPrev := existing.Properties["delta"].(string)
	nextDelta, okNext := incoming.Properties["delta"].(string)
	if okPrev && okNext {
		merged["delta"] = prevDelta + nextDelta
	}

	out := *incoming
	out.Properties = merged
	c.pending[i] = &out
}

func (c *coalescer) scheduleLocked() {
	if c.timer != nil {
		return
	}
	delay := c.interval - time.Since(c.lastFlush)
	if delay < 0 {
		delay = 0
	}
	c.timer = time.AfterFunc(delay, c.flushTimer)
}

func (c *coalescer) flushTimer() { c.Flush() }

// Flush delivers the whole queue in insertion order and clears it. Safe to
// call at any time; used by the frame timer, on connection errors (so
// buffered events are not lost across a reconnect) and on Close.
//
// Concurrent flushes serialize: batches are handed to whichever call is
// currently delivering, so deliveries never overlap or reorder, and a
// consumer callback that itself triggers a flush cannot deadlock.
func (c *coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) > 0 {
		c.flushQueue = append(c.flushQueue, c.pending)
		c.pending = nil
		c.index = make(map[string]int)
	}
	c.lastFlush = time.Now()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.flushQueue) > 0 {
		batch := c.flushQueue[0]
		c.flushQueue = c.flushQueue[1:]
		deliver := c.deliver
		c.mu.Unlock()
		if deliver != nil {
			deliver(batch)
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

// Stop flushes any buffered events and rejects further enqueues.
func (c *coalescer) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.Flush()
}
