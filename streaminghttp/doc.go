// Package streaminghttp bridges one upstream event feed onto many
// downstream event-stream consumers. It has two halves:
//
//   - Relay: runs the eventstream client against the upstream feed,
//     filters and republishes frames into a hub.Hub, injects derived
//     session-activity events, and emits deduplicated connectivity
//     notices when the upstream drops.
//   - Handler: a net/http handler serving "text/event-stream" downstream
//     with Last-Event-ID resumption, replay capped at the sequence
//     visible at subscribe time, forced replay-gap control frames when a
//     cursor cannot be honored, and periodic heartbeats.
//
// Construction
//
//	h := memoryhub.New()
//	relay := streaminghttp.NewRelay(upstreamURL, h,
//	    streaminghttp.WithCursorStore(store, "global"),
//	    streaminghttp.WithFilterSettings(settingsPath),
//	)
//	go relay.Run(ctx)
//	mux.Handle("GET /global/event", streaminghttp.NewHandler(h))
//
// # Resumption semantics
//
// Downstream frames carry the hub sequence as the SSE id. A reconnecting
// client presents it via Last-Event-ID; frames still inside the replay
// window are resent in order. When the window no longer covers the cursor
// (eviction, oversized live-only frames, or a cursor from a previous hub
// incarnation) the handler sends a replay-gap control frame, without an
// id so client-side cursor dedupe cannot swallow it, and the client is
// expected to reconcile via REST before trusting the live stream again.
package streaminghttp
