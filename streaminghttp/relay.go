package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	eventstream "github.com/opencode-studio/eventstream-go"
	"github.com/opencode-studio/eventstream-go/activity"
	"github.com/opencode-studio/eventstream-go/cursorstore"
	"github.com/opencode-studio/eventstream-go/hub"
	"github.com/opencode-studio/eventstream-go/internal/metrics"
	"github.com/opencode-studio/eventstream-go/wire"
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the slog logger used by the relay.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// WithFilter sets the initial event filter.
func WithFilter(f *Filter) RelayOption {
	return func(r *Relay) {
		if f != nil {
			f.compile()
		}
		r.filter.Store(f)
	}
}

// WithFilterSettings points the relay at a JSON settings file for its
// filter, reloaded whenever the file changes.
func WithFilterSettings(path string) RelayOption {
	return func(r *Relay) { r.settingsPath = path }
}

// WithCursorStore persists the upstream cursor under label so a restarted
// relay resumes instead of replaying from live.
func WithCursorStore(store cursorstore.Store, label string) RelayOption {
	return func(r *Relay) { r.cursors, r.cursorLabel = store, label }
}

// WithClientOptions forwards options (token provider, stall timeouts,
// retry delay) to the underlying stream client.
func WithClientOptions(opts ...eventstream.Option) RelayOption {
	return func(r *Relay) { r.clientOpts = append(r.clientOpts, opts...) }
}

// Relay drives the stream client against the upstream feed and republishes
// normalized events into the hub, injecting derived session-activity
// events and connectivity notices along the way. One relay per process
// feeds any number of downstream subscribers.
type Relay struct {
	upstreamURL  string
	h            hub.Hub
	log          *slog.Logger
	settingsPath string
	cursors      cursorstore.Store
	cursorLabel  string
	clientOpts   []eventstream.Option

	filter filterHolder

	mu             sync.Mutex
	client         *eventstream.Client
	disconnectedBy string
}

type filterHolder struct {
	mu sync.RWMutex
	f  *Filter
}

func (h *filterHolder) Store(f *Filter) {
	h.mu.Lock()
	h.f = f
	h.mu.Unlock()
}

func (h *filterHolder) Load() *Filter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.f
}

// NewRelay creates a relay for upstreamURL publishing into h.
func NewRelay(upstreamURL string, h hub.Hub, opts ...RelayOption) *Relay {
	r := &Relay{upstreamURL: upstreamURL, h: h, cursorLabel: "relay"}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Stats returns the underlying stream client's counters, or zero stats
// before Run has started the client.
func (r *Relay) Stats() eventstream.Stats {
	r.mu.Lock()
	c := r.client
	r.mu.Unlock()
	if c == nil {
		return eventstream.Stats{}
	}
	return c.Stats()
}

// Run connects to the upstream feed and blocks until ctx is done or the
// client stops fatally (auth rejection). The settings watcher, when
// configured, runs for the duration of Run.
func (r *Relay) Run(ctx context.Context) error {
	if r.settingsPath != "" {
		if f, err := LoadFilterFile(r.settingsPath); err != nil {
			r.log.Warn("relay.settings.load.fail", slog.String("err", err.Error()))
		} else {
			r.filter.Store(f)
		}
		go func() {
			if err := watchFilter(ctx, r.log, r.settingsPath, r.filter.Store); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("relay.settings.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	var resume string
	if r.cursors != nil {
		cur, err := r.cursors.Load(ctx, r.cursorLabel)
		if err != nil {
			r.log.Warn("relay.cursor.load.fail", slog.String("err", err.Error()))
		} else {
			resume = cur
		}
	}

	opts := append([]eventstream.Option{
		eventstream.WithLabel("relay:" + r.cursorLabel),
		eventstream.WithLogger(r.log),
		eventstream.WithLastEventID(resume),
		eventstream.WithCursorFunc(func(id string) { r.saveCursor(ctx, id) }),
		eventstream.WithErrorFunc(func(err error) { r.onStreamError(ctx, err) }),
	}, r.clientOpts...)

	client, err := eventstream.Connect(ctx, r.upstreamURL, func(evt *wire.Event) { r.publishEvent(ctx, evt) }, opts...)
	if err != nil {
		return fmt.Errorf("connect upstream: %w", err)
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	r.log.Info("relay.start", slog.String("upstream", r.upstreamURL))
	defer client.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.Done():
		stats := client.Stats()
		if stats.LastErrorMessage != "" {
			return fmt.Errorf("upstream stream stopped: %s", stats.LastErrorMessage)
		}
		return errors.New("upstream stream stopped")
	}
}

func (r *Relay) publishEvent(ctx context.Context, evt *wire.Event) {
	f := r.filter.Load()
	if !f.Allows(evt.Type) {
		metrics.FramesDropped.WithLabelValues("filtered").Inc()
		return
	}

	obj := evt.Raw
	if f != nil && f.DropDeltas && evt.Type == wire.TypeMessagePartUpdated {
		obj = stripDelta(obj)
	}

	// Preserve the upstream wrapper shape so downstream clients normalize
	// exactly as they would against the origin.
	var payload any = obj
	if evt.Directory != "" {
		payload = map[string]any{"directory": evt.Directory, "payload": obj}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("decode").Inc()
		r.log.Warn("relay.event.encode.fail", slog.String("type", evt.Type), slog.String("err", err.Error()))
		return
	}
	if _, err := r.h.Publish(ctx, b); err != nil {
		r.log.Error("relay.publish.fail", slog.String("err", err.Error()))
		return
	}
	metrics.FramesPublished.WithLabelValues("event").Inc()
	r.markConnected()

	if sid, phase, ok := activity.Derive(evt); ok {
		injected, err := json.Marshal(map[string]any{
			"type": wire.TypeSessionActivity,
			"properties": map[string]any{
				"sessionID": sid,
				"phase":     string(phase),
			},
		})
		if err != nil {
			return
		}
		if _, err := r.h.Publish(ctx, injected); err != nil {
			r.log.Error("relay.publish.fail", slog.String("err", err.Error()))
			return
		}
		metrics.FramesPublished.WithLabelValues("activity").Inc()
	}
}

func (r *Relay) saveCursor(ctx context.Context, id string) {
	if r.cursors == nil {
		return
	}
	if err := r.cursors.Save(ctx, r.cursorLabel, id); err != nil {
		r.log.Warn("relay.cursor.save.fail", slog.String("err", err.Error()))
	}
}

// onStreamError publishes a deduplicated, live-only disconnect notice so
// downstream UIs can show a "reconnecting" state. The downstream
// connection stays open; closing it would cause reconnect storms.
func (r *Relay) onStreamError(ctx context.Context, err error) {
	reason := "upstream stream disconnected"
	if errors.Is(err, eventstream.ErrAuthRequired) {
		reason = "upstream authentication required"
	}

	r.mu.Lock()
	dup := r.disconnectedBy == reason
	r.disconnectedBy = reason
	r.mu.Unlock()

	metrics.UpstreamConnects.WithLabelValues("error").Inc()
	if dup {
		return
	}

	r.log.Warn("relay.upstream.disconnect", slog.String("reason", reason), slog.String("err", err.Error()))
	notice, mErr := json.Marshal(map[string]any{
		"type": wire.TypeUpstreamDisconnected,
		"properties": map[string]any{
			"reason": reason,
		},
	})
	if mErr != nil {
		return
	}
	if _, pErr := r.h.PublishTransient(ctx, notice, false); pErr != nil {
		r.log.Error("relay.publish.fail", slog.String("err", pErr.Error()))
		return
	}
	metrics.FramesPublished.WithLabelValues("disconnect").Inc()
}

func (r *Relay) markConnected() {
	r.mu.Lock()
	was := r.disconnectedBy
	r.disconnectedBy = ""
	r.mu.Unlock()
	if was != "" {
		metrics.UpstreamConnects.WithLabelValues("ok").Inc()
	}
}

func stripDelta(obj map[string]any) map[string]any {
	props, ok := obj["properties"].(map[string]any)
	if !ok {
		return obj
	}
	if _, has := props["delta"]; !has {
		return obj
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	cp := make(map[string]any, len(props))
	for k, v := range props {
		if k == "delta" {
			continue
		}
		cp[k] = v
	}
	out["properties"] = cp
	return out
}
