// Package wire holds the event model and framing shared by the stream
// client and the relay hub: the normalized Event union tagged by type, the
// three accepted wire shapes (flat, directory envelope, ops batch), and the
// incremental event-stream chunk scanner with CRLF normalization.
package wire
