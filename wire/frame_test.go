package wire

import (
	"strings"
	"testing"
)

func TestParseChunk(t *testing.T) {
	t.Run("data id and retry", func(t *testing.T) {
		c := ParseChunk("id: 42\ndata: {\"type\":\"ping\"}\nretry: 5000")
		if c.ID != "42" {
			t.Fatalf("id: want %q got %q", "42", c.ID)
		}
		if c.Data != `{"type":"ping"}` {
			t.Fatalf("data: got %q", c.Data)
		}
		if !c.HasRetry() || c.Retry != 5000 {
			t.Fatalf("retry: got %d", c.Retry)
		}
	})

	t.Run("multi-line data joined with newline", func(t *testing.T) {
		c := ParseChunk("data: line1\ndata: line2")
		if c.Data != "line1\nline2" {
			t.Fatalf("got %q", c.Data)
		}
	})

	t.Run("comments and event lines ignored", func(t *testing.T) {
		c := ParseChunk(": comment\nevent: heartbeat\ndata: {}")
		if c.Data != "{}" || c.ID != "" {
			t.Fatalf("got %+v", c)
		}
	})

	t.Run("invalid retry ignored", func(t *testing.T) {
		for _, raw := range []string{"retry: abc", "retry: -5", "retry: 0"} {
			if c := ParseChunk(raw); c.HasRetry() {
				t.Fatalf("%q: expected no retry, got %d", raw, c.Retry)
			}
		}
	})

	t.Run("empty id ignored", func(t *testing.T) {
		if c := ParseChunk("id: \ndata: x"); c.ID != "" {
			t.Fatalf("got %q", c.ID)
		}
	})
}

func TestChunkScanner(t *testing.T) {
	t.Run("splits on blank lines and retains partial tail", func(t *testing.T) {
		var s ChunkScanner
		s.Write([]byte("data: a\n\ndata: b"))

		block, ok := s.Next()
		if !ok || block != "data: a" {
			t.Fatalf("first block: ok=%v %q", ok, block)
		}
		if _, ok := s.Next(); ok {
			t.Fatal("partial block should not be yielded")
		}

		s.Write([]byte("\n\n"))
		block, ok = s.Next()
		if !ok || block != "data: b" {
			t.Fatalf("second block: ok=%v %q", ok, block)
		}
	})

	t.Run("normalizes CRLF and bare CR", func(t *testing.T) {
		var s ChunkScanner
		s.Write([]byte("data: a\r\n\r\ndata: b\r\rdata: c\n\n"))

		block, ok := s.Next()
		if !ok || block != "data: a" {
			t.Fatalf("crlf block: ok=%v %q", ok, block)
		}
		block, ok = s.Next()
		if !ok || block != "data: b" {
			t.Fatalf("bare cr block: ok=%v %q", ok, block)
		}
	})

	t.Run("CR split across writes", func(t *testing.T) {
		var s ChunkScanner
		s.Write([]byte("data: a\r"))
		s.Write([]byte("\n\r\n"))
		block, ok := s.Next()
		if !ok || block != "data: a" {
			t.Fatalf("ok=%v %q", ok, block)
		}
	})
}

func TestEncodeFrame(t *testing.T) {
	got := string(EncodeFrame(7, `{"type":"ping"}`))
	want := "id: 7\ndata: {\"type\":\"ping\"}\n\n"
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestEncodeReplayGapFrame(t *testing.T) {
	got := string(EncodeReplayGapFrame(7, 3, 9))

	if strings.Contains(got, "id:") {
		t.Fatalf("replay-gap frame must not carry an id: %q", got)
	}
	for _, want := range []string{
		"event: replay-gap",
		`"type":"` + TypeReplayGap + `"`,
		`"requestedLastEventId":3`,
		`"seqAtSubscribe":9`,
		`"gapSeq":7`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}

	chunk := ParseChunk(strings.TrimSuffix(got, "\n\n"))
	if _, ok := Normalize([]byte(chunk.Data)); !ok {
		t.Fatal("replay-gap payload should normalize")
	}
}
