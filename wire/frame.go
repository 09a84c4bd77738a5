package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Chunk is one parsed event-stream block: the lines between two blank-line
// separators. Data carries the joined payload of all "data:" lines; ID and
// Retry are set when the block carried those fields.
type Chunk struct {
	ID    string
	Data  string
	Retry int
}

// HasRetry reports whether the block carried a valid positive "retry:" field.
func (c Chunk) HasRetry() bool { return c.Retry > 0 }

// ParseChunk parses the lines of one wire block. Lines other than "data:",
// "id:" and "retry:" (comments, "event:") are ignored. Multi-line data is
// joined with "\n". Invalid retry values are ignored.
func ParseChunk(block string) Chunk {
	var c Chunk
	var data []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			if v := strings.TrimSpace(strings.TrimPrefix(line, "id:")); v != "" {
				c.ID = v
			}
		case strings.HasPrefix(line, "retry:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil && n > 0 {
				c.Retry = n
			}
		}
	}
	c.Data = strings.Join(data, "\n")
	return c
}

// ChunkScanner accumulates raw bytes from a streaming response body,
// normalizes newlines (\r\n and bare \r become \n) and yields complete
// blank-line-delimited blocks. An incomplete trailing block is retained
// until more bytes arrive.
type ChunkScanner struct {
	buf    bytes.Buffer
	prevCR bool
}

// Write feeds raw bytes into the scanner.
func (s *ChunkScanner) Write(p []byte) {
	for _, b := range p {
		if s.prevCR {
			s.prevCR = false
			if b == '\n' {
				continue
			}
		}
		if b == '\r' {
			s.buf.WriteByte('\n')
			s.prevCR = true
			continue
		}
		s.buf.WriteByte(b)
	}
}

// Next returns the next complete block, without its trailing separator.
// ok is false when no complete block is buffered.
func (s *ChunkScanner) Next() (string, bool) {
	data := s.buf.Bytes()
	i := bytes.Index(data, []byte("\n\n"))
	if i < 0 {
		return "", false
	}
	block := string(data[:i])
	s.buf.Next(i + 2)
	return block, true
}

// EncodeFrame renders an id-bearing data frame in wire form.
func EncodeFrame(seq uint64, payloadJSON string) []byte {
	var b bytes.Buffer
	b.Grow(len(payloadJSON) + 32)
	fmt.Fprintf(&b, "id: %d\n", seq)
	b.WriteString("data: ")
	b.WriteString(payloadJSON)
	b.WriteString("\n\n")
	return b.Bytes()
}

// HeartbeatFrame is the keepalive frame written on downstream receive
// timeouts. It carries no id so client cursors are unaffected.
var HeartbeatFrame = []byte("event: heartbeat\ndata: {}\n\n")

// EncodeReplayGapFrame renders the control frame telling a resuming client
// that events between its cursor and gapSeq were lost from the replay
// buffer. The frame intentionally carries no id: reusing an old or new id
// here could trip client-side cursor dedupe before reconciliation handlers
// run.
func EncodeReplayGapFrame(gapSeq, requestedLastEventID, seqAtSubscribe uint64) []byte {
	payload := fmt.Sprintf(
		`{"type":%q,"properties":{"scope":"global","requestedLastEventId":%d,"seqAtSubscribe":%d,"gapSeq":%d}}`,
		TypeReplayGap, requestedLastEventID, seqAtSubscribe, gapSeq,
	)
	var b bytes.Buffer
	b.WriteString("event: replay-gap\ndata: ")
	b.WriteString(payload)
	b.WriteString("\n\n")
	return b.Bytes()
}
