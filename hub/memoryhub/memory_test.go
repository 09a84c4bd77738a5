package memoryhub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/opencode-studio/eventstream-go/hub"
)

func mustPublish(t *testing.T, h *Hub, payload string) uint64 {
	t.Helper()
	seq, err := h.Publish(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("publish %q: %v", payload, err)
	}
	return seq
}

func nextFrame(t *testing.T, s hub.Stream) hub.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, s hub.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if f, err := s.Next(ctx); err == nil {
		t.Fatalf("unexpected frame: seq=%d %q", f.Seq, f.Payload)
	}
}

func TestLiveDeliveryInOrder(t *testing.T) {
	h := New()
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	mustPublish(t, h, "a")
	mustPublish(t, h, "b")

	if f := nextFrame(t, sub.Stream); f.Seq != 1 || string(f.Payload) != "a" {
		t.Fatalf("first: %d %q", f.Seq, f.Payload)
	}
	if f := nextFrame(t, sub.Stream); f.Seq != 2 || string(f.Payload) != "b" {
		t.Fatalf("second: %d %q", f.Seq, f.Payload)
	}
}

func TestSubscribeWithoutCursorReplaysFromStart(t *testing.T) {
	h := New()
	defer h.Close()

	mustPublish(t, h, "old")

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if sub.GapSeq != 0 {
		t.Fatalf("gap: want 0 got %d", sub.GapSeq)
	}
	if f := nextFrame(t, sub.Stream); string(f.Payload) != "old" {
		t.Fatalf("replayed: got %q", f.Payload)
	}
	mustPublish(t, h, "new")
	if f := nextFrame(t, sub.Stream); string(f.Payload) != "new" {
		t.Fatalf("live: got %q", f.Payload)
	}
}

func TestSubscribeWithoutCursorGetsGapWhenWindowTruncated(t *testing.T) {
	// Budget fits two 8-byte payloads; frames 1 and 2 get evicted.
	h := New(WithReplayMaxBytes(16))
	defer h.Close()

	for i := 0; i < 4; i++ {
		mustPublish(t, h, fmt.Sprintf("payld-%02d", i))
	}

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if sub.GapSeq != 3 {
		t.Fatalf("gap: want 3 got %d", sub.GapSeq)
	}
}

func TestSubscribeReplayLargerThanLiveBuffer(t *testing.T) {
	h := New()
	defer h.Close()

	total := subscriberBuffer + 100
	for i := 0; i < total; i++ {
		mustPublish(t, h, "x")
	}

	// Subscribe must not block on the replay queue while holding the hub
	// lock, whatever the replay size.
	done := make(chan *hub.Subscription, 1)
	go func() {
		sub, err := h.Subscribe(context.Background(), 1)
		if err != nil {
			t.Errorf("subscribe: %v", err)
			done <- nil
			return
		}
		done <- sub
	}()

	var sub *hub.Subscription
	select {
	case sub = <-done:
		if sub == nil {
			return
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe blocked on oversized replay")
	}
	defer sub.Stream.Close()

	// Publishers stay unblocked and the full replay arrives in order.
	mustPublish(t, h, "live")
	want := uint64(2)
	for {
		f := nextFrame(t, sub.Stream)
		if f.Seq != want {
			t.Fatalf("replay order: want seq %d got %d", want, f.Seq)
		}
		if string(f.Payload) == "live" {
			return
		}
		want++
	}
}

func TestReplayFromCursor(t *testing.T) {
	h := New()
	defer h.Close()

	mustPublish(t, h, "a")
	mustPublish(t, h, "b")
	mustPublish(t, h, "c")

	sub, err := h.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if sub.GapSeq != 0 || sub.SeqAtSubscribe != 3 {
		t.Fatalf("sub: gap=%d seqAt=%d", sub.GapSeq, sub.SeqAtSubscribe)
	}
	if f := nextFrame(t, sub.Stream); f.Seq != 2 || string(f.Payload) != "b" {
		t.Fatalf("first replayed: %d %q", f.Seq, f.Payload)
	}
	if f := nextFrame(t, sub.Stream); f.Seq != 3 || string(f.Payload) != "c" {
		t.Fatalf("second replayed: %d %q", f.Seq, f.Payload)
	}

	// Live frames continue seamlessly after replay, no duplicates.
	mustPublish(t, h, "d")
	if f := nextFrame(t, sub.Stream); f.Seq != 4 || string(f.Payload) != "d" {
		t.Fatalf("live after replay: %d %q", f.Seq, f.Payload)
	}
}

func TestCursorAheadForcesGap(t *testing.T) {
	h := New()
	defer h.Close()

	mustPublish(t, h, "a")
	mustPublish(t, h, "b")

	// A cursor from a previous hub incarnation.
	sub, err := h.Subscribe(context.Background(), 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if sub.GapSeq != 2 {
		t.Fatalf("gap: want 2 got %d", sub.GapSeq)
	}
	expectNoFrame(t, sub.Stream)
}

func TestEvictedReplayForcesGap(t *testing.T) {
	// Budget fits two 8-byte payloads.
	h := New(WithReplayMaxBytes(16))
	defer h.Close()

	for i := 0; i < 4; i++ {
		mustPublish(t, h, fmt.Sprintf("payld-%02d", i))
	}

	// Frames 1 and 2 were evicted; a cursor at 1 cannot be honored.
	sub, err := h.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if sub.GapSeq != 3 {
		t.Fatalf("gap: want 3 got %d", sub.GapSeq)
	}

	// A cursor still inside the buffer replays normally.
	sub2, err := h.Subscribe(context.Background(), 2)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub2.Stream.Close()
	if sub2.GapSeq != 0 {
		t.Fatalf("gap: want 0 got %d", sub2.GapSeq)
	}
	if f := nextFrame(t, sub2.Stream); f.Seq != 3 {
		t.Fatalf("replayed: %d", f.Seq)
	}
}

func TestOversizedFrameIsLiveOnly(t *testing.T) {
	h := New(WithReplayMaxBytes(8))
	defer h.Close()

	live, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer live.Stream.Close()

	mustPublish(t, h, "tiny")
	big := mustPublish(t, h, "this payload exceeds the replay budget")

	// Live subscribers still receive the oversized frame.
	if f := nextFrame(t, live.Stream); string(f.Payload) != "tiny" {
		t.Fatalf("got %q", f.Payload)
	}
	if f := nextFrame(t, live.Stream); f.Seq != big {
		t.Fatalf("oversized live: %d", f.Seq)
	}

	// A resume spanning the oversized frame gets a forced gap.
	sub, err := h.Subscribe(context.Background(), 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()
	if sub.GapSeq != big {
		t.Fatalf("gap: want %d got %d", big, sub.GapSeq)
	}

	// Resuming from at or past the oversized frame is clean.
	sub2, err := h.Subscribe(context.Background(), big)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub2.Stream.Close()
	if sub2.GapSeq != 0 {
		t.Fatalf("gap: want 0 got %d", sub2.GapSeq)
	}
}

func TestTransientFramesAreNotReplayed(t *testing.T) {
	h := New()
	defer h.Close()

	live, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer live.Stream.Close()

	first := mustPublish(t, h, "stored")
	tseq, err := h.PublishTransient(context.Background(), []byte("notice"), false)
	if err != nil {
		t.Fatalf("publish transient: %v", err)
	}
	if tseq != first+1 {
		t.Fatalf("transient seq: want %d got %d", first+1, tseq)
	}
	mustPublish(t, h, "stored2")

	// Live subscriber sees all three.
	for _, want := range []string{"stored", "notice", "stored2"} {
		if f := nextFrame(t, live.Stream); string(f.Payload) != want {
			t.Fatalf("live: want %q got %q", want, f.Payload)
		}
	}

	// A resuming subscriber only replays stored frames.
	sub, err := h.Subscribe(context.Background(), first)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()
	if sub.GapSeq != 0 {
		t.Fatalf("gap: want 0 got %d", sub.GapSeq)
	}
	if f := nextFrame(t, sub.Stream); string(f.Payload) != "stored2" {
		t.Fatalf("replayed: %q", f.Payload)
	}
	expectNoFrame(t, sub.Stream)
}

func TestCloseAfterPropagates(t *testing.T) {
	h := New()
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	if _, err := h.PublishTransient(context.Background(), []byte("bye"), true); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f := nextFrame(t, sub.Stream); !f.CloseAfter {
		t.Fatalf("closeAfter not set: %+v", f)
	}
}

func TestLaggedSubscriberIsDisconnected(t *testing.T) {
	h := New()
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stream.Close()

	// Overrun the per-subscriber channel without draining.
	for i := 0; i < subscriberBuffer+10; i++ {
		mustPublish(t, h, "x")
	}
	if h.SubscriberCount() != 0 {
		t.Fatalf("lagged subscriber still registered: %d", h.SubscriberCount())
	}

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := sub.Stream.Next(ctx)
		cancel()
		if err == nil {
			continue
		}
		if !errors.Is(err, hub.ErrLagged) {
			t.Fatalf("want ErrLagged got %v", err)
		}
		return
	}
}

func TestHubClose(t *testing.T) {
	h := New()

	sub, err := h.Subscribe(context.Background(), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("next after close: want io.EOF got %v", err)
	}
	if _, err := h.Publish(context.Background(), []byte("x")); !errors.Is(err, hub.ErrClosed) {
		t.Fatalf("publish after close: want ErrClosed got %v", err)
	}
	if _, err := h.Subscribe(context.Background(), 0); !errors.Is(err, hub.ErrClosed) {
		t.Fatalf("subscribe after close: want ErrClosed got %v", err)
	}
}

func TestLatestSeq(t *testing.T) {
	h := New()
	defer h.Close()

	if seq, _ := h.LatestSeq(context.Background()); seq != 0 {
		t.Fatalf("empty: got %d", seq)
	}
	mustPublish(t, h, "a")
	mustPublish(t, h, "b")
	if seq, _ := h.LatestSeq(context.Background()); seq != 2 {
		t.Fatalf("got %d", seq)
	}
}
