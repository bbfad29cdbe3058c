package erpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestStreamPushAndNext(t *testing.T) {
	s := newStream("s1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.push(ctx, json.RawMessage(`"a"`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.push(ctx, json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("push: %v", err)
	}

	chunk, ok, err := s.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("next: chunk=%s ok=%v err=%v", chunk, ok, err)
	}
	if string(chunk) != `"a"` {
		t.Fatalf("got %s, want \"a\"", chunk)
	}
}

func TestStreamEndDrainsThenSignalsDone(t *testing.T) {
	s := newStream("s2")
	ctx := context.Background()
	_ = s.push(ctx, json.RawMessage(`1`))
	s.end()

	_, ok, err := s.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected buffered chunk before end signal, got ok=%v err=%v", ok, err)
	}

	_, ok, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected drained+ended stream to report false")
	}
}

func TestStreamAbortPropagatesError(t *testing.T) {
	s := newStream("s3")
	boom := context.Canceled
	s.abort(boom)

	_, ok, err := s.Next(context.Background())
	if ok {
		t.Fatal("expected no chunk after abort")
	}
	if err != boom {
		t.Fatalf("got err %v, want %v", err, boom)
	}
}

func TestStreamPushAfterEndFails(t *testing.T) {
	s := newStream("s4")
	s.end()
	if err := s.push(context.Background(), json.RawMessage(`1`)); err == nil {
		t.Fatal("expected push after end to fail")
	}
}

func TestStreamManagerPushEndAbort(t *testing.T) {
	m := NewStreamManager()
	s := m.Create()

	m.Push(context.Background(), s.ID(), json.RawMessage(`"chunk"`))
	chunk, ok, err := s.Next(context.Background())
	if err != nil || !ok || string(chunk) != `"chunk"` {
		t.Fatalf("got chunk=%s ok=%v err=%v", chunk, ok, err)
	}

	m.End(s.ID())
	if _, found := m.Get(s.ID()); found {
		t.Fatal("expected stream to be dropped after End")
	}
}

func TestStreamBackpressure(t *testing.T) {
	s := newStream("s5")
	ctx := context.Background()
	for i := 0; i < streamBufferCapacity; i++ {
		if err := s.push(ctx, json.RawMessage(`0`)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	pushCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := s.push(pushCtx, json.RawMessage(`1`)); err == nil {
		t.Fatal("expected push to a full buffer to block until context deadline")
	}
}
