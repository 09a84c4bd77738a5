// Package eventstream implements the real-time event feed client used by
// the studio UI: a live, ordered, gap-detecting connection to a
// server-sent event endpoint with automatic reconnection, cursor-based
// resumption and coalesced delivery.
//
// Responsibilities
//   - Connection lifecycle: connecting, streaming, then closed or
//     reconnecting
//   - Line-oriented event framing with incremental decode and CRLF
//     normalization
//   - Monotonic cursor tracking with sequence-gap detection and a one-shot
//     reset allowance after each reconnect
//   - Exponential backoff (base 3s, doubling per consecutive failure, 30s
//     cap, server-overridable via the "retry:" field)
//   - Stall detection: a connection that stops producing bytes without
//     closing is aborted and retried
//   - Coalesced delivery: bursts of superseding events collapse into one
//     flush per ~16ms frame, preserving insertion order
//
// Construction
//
//	c, err := eventstream.Connect(ctx, "http://127.0.0.1:7100/global/event",
//	    func(evt *wire.Event) { render(evt) },
//	    eventstream.WithLastEventID(saved),
//	    eventstream.WithCursorFunc(persist),
//	    eventstream.WithTokenProvider(auth.StaticToken(tok)),
//	)
//
// # Error taxonomy
//
// Fatal (401 rejection, streaming-incapable transport) stops the client
// permanently. Transient (non-OK status, early close, stall) is retried
// with capped exponential backoff. Data-level problems (malformed JSON,
// stale or duplicate ids) drop the offending wire chunk and are invisible
// to the consumer.
//
// The consumer callback is invoked from the client's internal goroutines,
// once per event, in queue order. A panicking callback is contained per
// event, counted in Stats and logged; it does not abort the flush.
package eventstream
