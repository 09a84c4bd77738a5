package eventstream

import "time"

// Stats is a point-in-time snapshot of a client's connection counters.
// All fields are owned by the client; callers receive copies.
type Stats struct {
	Label string
	URL   string

	StartedAt   time.Time
	LastChunkAt time.Time
	LastEventAt time.Time

	LastCursor string

	ConnectCount   int
	ReconnectCount int
	ErrorCount     int
	StallCount     int
	CallbackPanics int

	LastBackoff      time.Duration
	LastErrorAt      time.Time
	LastErrorMessage string
}
