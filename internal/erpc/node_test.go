package erpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petervdpas/goopmesh/internal/mux"
)

func newNodePair(t *testing.T) (*Node, *Node) {
	t.Helper()
	la, lb := mux.NewInProcLinkPair()
	ma := mux.New(la, mux.DefaultConfig(), true, nil)
	mb := mux.New(lb, mux.DefaultConfig(), false, nil)

	routerA := NewRouter()
	routerB := NewRouter()
	a := NewNode(ma, routerA, nil)
	b := NewNode(mb, routerB, nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestAskRoundTrip(t *testing.T) {
	a, b := newNodePair(t)

	b.Router().Register("echo", func(ctx CallContext, args json.RawMessage) (any, error) {
		var in map[string]any
		v, err := ctx.Resolve(args)
		if err != nil {
			return nil, err
		}
		in, _ = v.(map[string]any)
		return in["msg"], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := a.Ask(ctx, "echo", map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result != "hello" {
		t.Fatalf("got %v, want hello", result)
	}
}

func TestAskMissingProcedure(t *testing.T) {
	a, _ := newNodePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Ask(ctx, "no.such.path", nil)
	if err == nil {
		t.Fatal("expected error for unregistered procedure")
	}
}

func TestTellDoesNotWaitForReply(t *testing.T) {
	a, b := newNodePair(t)

	got := make(chan string, 1)
	b.Router().Register("notify", func(ctx CallContext, args json.RawMessage) (any, error) {
		v, _ := ctx.Resolve(args)
		m, _ := v.(map[string]any)
		got <- m["msg"].(string)
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Tell(ctx, "notify", map[string]any{"msg": "fire-and-forget"}); err != nil {
		t.Fatalf("tell: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "fire-and-forget" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tell delivery")
	}
}

func TestAskFailsAfterClose(t *testing.T) {
	a, _ := newNodePair(t)
	_ = a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Ask(ctx, "anything", nil); err == nil {
		t.Fatal("expected error asking on a closed node")
	}
}

func TestPinRoundTrip(t *testing.T) {
	a, b := newNodePair(t)

	b.Router().Register("takePin", func(ctx CallContext, args json.RawMessage) (any, error) {
		v, err := ctx.Resolve(args)
		if err != nil {
			return nil, err
		}
		m := v.(map[string]any)
		pin := m["resource"].(RemotePin)
		if pin.ID == "" {
			t.Fatal("expected non-empty remote pin id")
		}
		return "got-pin", nil
	})

	pinID := a.Pins().Pin("some local resource")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := a.Ask(ctx, "takePin", map[string]any{"resource": LocalPin{ID: pinID}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result != "got-pin" {
		t.Fatalf("got %v", result)
	}
}
