package streaminghttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/opencode-studio/eventstream-go/hub"
	"github.com/opencode-studio/eventstream-go/internal/logctx"
	"github.com/opencode-studio/eventstream-go/internal/metrics"
	"github.com/opencode-studio/eventstream-go/wire"
)

var (
	_ http.Handler = (*Handler)(nil)

	eventStreamMediaTypes = []contenttype.MediaType{
		contenttype.NewMediaType("text/event-stream"),
	}
)

const (
	lastEventIDHeader = "Last-Event-ID"

	// defaultHeartbeat keeps proxies and browser fetch streams from
	// reaping idle connections. Must stay comfortably below client stall
	// timeouts.
	defaultHeartbeat = 25 * time.Second
)

// HandlerOption configures the downstream Handler.
type HandlerOption func(*Handler)

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.baseLog = l }
}

// WithHeartbeat overrides the downstream keepalive interval.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// Handler serves the downstream event-stream endpoint: it bridges hub
// subscriptions onto long-lived text/event-stream responses with
// Last-Event-ID resumption, subscribe-time-capped replay, forced
// replay-gap control frames and periodic heartbeats.
//
// The handler intentionally does not fail fast when the upstream feed is
// down: keeping a 200 stream open (with heartbeats) avoids reconnect
// storms; connectivity notices flow through the hub as ordinary frames.
type Handler struct {
	h            hub.Hub
	baseLog      *slog.Logger
	log          *slog.Logger
	heartbeat    time.Duration
	nextClientID atomic.Uint64
}

// NewHandler wraps h as an http.Handler for GET requests.
func NewHandler(h hub.Hub, opts ...HandlerOption) *Handler {
	hd := &Handler{h: h, heartbeat: defaultHeartbeat}
	for _, opt := range opts {
		opt(hd)
	}
	if hd.baseLog == nil {
		hd.baseLog = slog.Default()
	}
	hd.log = slog.New(logctx.Handler{Handler: hd.baseLog.Handler()})
	return hd
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "sse.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	requested := parseLastEventID(r.Header.Get(lastEventIDHeader))
	clientID := h.nextClientID.Add(1)
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{
		ClientID:    clientID,
		LastEventID: strconv.FormatUint(requested, 10),
	})

	sub, err := h.h.Subscribe(ctx, requested)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	defer sub.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	metrics.DownstreamClients.Inc()
	defer metrics.DownstreamClients.Dec()

	h.log.InfoContext(ctx, "sse.stream.start",
		slog.Uint64("seq_at_subscribe", sub.SeqAtSubscribe),
		slog.Uint64("gap_seq", sub.GapSeq),
	)

	if sub.GapSeq > 0 {
		metrics.ReplayGaps.Inc()
		h.log.WarnContext(ctx, "sse.replay_gap.forced",
			slog.Uint64("requested", requested),
			slog.Uint64("gap_seq", sub.GapSeq),
		)
		if !h.write(ctx, w, f, wire.EncodeReplayGapFrame(sub.GapSeq, requested, sub.SeqAtSubscribe)) {
			return
		}
	}

	for {
		frame, err := h.nextFrame(ctx, sub.Stream)
		if err != nil {
			switch {
			case errors.Is(err, errHeartbeatDue):
				if !h.write(ctx, w, f, wire.HeartbeatFrame) {
					return
				}
				continue
			case errors.Is(err, hub.ErrLagged):
				h.log.WarnContext(ctx, "sse.stream.lagged")
				return
			case errors.Is(err, io.EOF), errors.Is(err, hub.ErrClosed):
				h.log.InfoContext(ctx, "sse.stream.end")
				return
			case ctx.Err() != nil:
				h.log.InfoContext(ctx, "sse.stream.disconnect")
				return
			default:
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
				return
			}
		}

		if !h.write(ctx, w, f, wire.EncodeFrame(frame.Seq, string(frame.Payload))) {
			return
		}
		if frame.CloseAfter {
			h.log.InfoContext(ctx, "sse.stream.close_after", slog.Uint64("seq", frame.Seq))
			return
		}
	}
}

var errHeartbeatDue = errors.New("heartbeat due")

// nextFrame waits for the next frame, bounded by the heartbeat interval.
func (h *Handler) nextFrame(ctx context.Context, s hub.Stream) (hub.Frame, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
	defer cancel()
	frame, err := s.Next(waitCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return hub.Frame{}, errHeartbeatDue
	}
	return frame, err
}

func (h *Handler) write(ctx context.Context, w io.Writer, f http.Flusher, b []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := w.Write(b); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return false
	}
	f.Flush()
	return true
}

func parseLastEventID(v string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
