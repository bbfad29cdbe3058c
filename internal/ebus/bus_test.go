package ebus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/petervdpas/goopmesh/internal/xerrors"
)

// directSender wires one Bus's outgoing edge straight into another Bus's
// Dispatch, skipping eRPC entirely — the two buses still only ever see
// wire.BusEnvelope values, round-tripped through JSON exactly as a real
// "_ebus.envelope" Tell would deliver them.
type directSender struct {
	target *Bus
	edge   func() *Edge
}

func (s *directSender) Tell(ctx context.Context, path string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return s.target.Dispatch(ctx, s.edge(), raw)
}

// connectParentChild attaches child as a child bus of parent, wiring both
// directions of Edge.Send to call straight into the peer's Dispatch.
func connectParentChild(t *testing.T, parent, child *Bus) {
	t.Helper()
	var parentSideEdge, childSideEdge *Edge

	toParent := &directSender{target: parent, edge: func() *Edge { return parentSideEdge }}
	childSideEdge = child.AttachParent(toParent)

	toChild := &directSender{target: child, edge: func() *Edge { return childSideEdge }}
	parentSideEdge = parent.AttachChild(child.ID, toChild)
}

type testLocalNode struct {
	name string
}

func (n *testLocalNode) Ask(ctx context.Context, path string, args any) (any, error) {
	return n.name + ":" + path, nil
}

func (n *testLocalNode) Tell(ctx context.Context, path string, args any) error {
	return nil
}

func TestP2PRoutingThroughTwoHops(t *testing.T) {
	root := New("root", nil)
	mid := New("mid", nil)
	leaf := New("leaf", nil)
	connectParentChild(t, root, mid)
	connectParentChild(t, mid, leaf)

	ctx := context.Background()
	leaf.RegisterLocalNode(ctx, "worker-1", &testLocalNode{name: "worker-1"})

	// Give the announcement envelopes time to propagate synchronously — all
	// sends here are direct calls, so by the time RegisterLocalNode returns
	// the route has already reached mid; but the parent hop runs inside
	// announceUpward too, so no extra wait is needed.
	if _, ok := mid.P2PTable().Lookup("worker-1"); !ok {
		t.Fatal("expected mid to learn the route to worker-1")
	}
	if _, ok := root.P2PTable().Lookup("worker-1"); !ok {
		t.Fatal("expected root to learn the route to worker-1")
	}

	result, err := root.AskNode(ctx, "caller", "worker-1", "ping", nil)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result != "worker-1:ping" {
		t.Fatalf("got %v", result)
	}
}

func TestP2PUnknownNodeFails(t *testing.T) {
	root := New("root", nil)
	if _, err := root.AskNode(context.Background(), "caller", "ghost", "ping", nil); err == nil {
		t.Fatal("expected error for unrouted node")
	}
}

func TestP2PWithdrawalOnUnregister(t *testing.T) {
	root := New("root", nil)
	child := New("child", nil)
	connectParentChild(t, root, child)

	ctx := context.Background()
	child.RegisterLocalNode(ctx, "n1", &testLocalNode{name: "n1"})
	if _, ok := root.P2PTable().Lookup("n1"); !ok {
		t.Fatal("expected route to propagate")
	}

	child.UnregisterLocalNode(ctx, "n1")
	if _, ok := root.P2PTable().Lookup("n1"); ok {
		t.Fatal("expected route to be withdrawn")
	}
}

func TestPubSubFanoutWithLoopback(t *testing.T) {
	root := New("root", nil)
	child := New("child", nil)
	connectParentChild(t, root, child)
	ctx := context.Background()

	var fromRoot, fromChild []string
	root.Subscribe(ctx, "news", func(payload []byte, sourceID string) {
		fromRoot = append(fromRoot, string(payload))
	})
	child.Subscribe(ctx, "news", func(payload []byte, sourceID string) {
		fromChild = append(fromChild, string(payload))
	})

	child.Publish(ctx, "pub-1", "news", []byte(`"hello"`), true)

	if len(fromChild) != 1 || fromChild[0] != `"hello"` {
		t.Fatalf("expected child's own subscriber to see the loopback publish, got %v", fromChild)
	}
	if len(fromRoot) != 1 || fromRoot[0] != `"hello"` {
		t.Fatalf("expected root to receive the forwarded publish, got %v", fromRoot)
	}
}

func TestPubSubNoLoopbackSkipsLocalDelivery(t *testing.T) {
	root := New("root", nil)
	ctx := context.Background()

	var seen int
	root.Subscribe(ctx, "news", func(payload []byte, sourceID string) { seen++ })
	root.Publish(ctx, "pub-1", "news", []byte(`"x"`), false)

	if seen != 0 {
		t.Fatalf("expected no local delivery without loopback, got %d deliveries", seen)
	}
}

func TestBroadcastAskCollectsAllBranches(t *testing.T) {
	root := New("root", nil)
	a := New("a", nil)
	b := New("b", nil)
	connectParentChild(t, root, a)
	connectParentChild(t, root, b)
	ctx := context.Background()

	a.SubscribeAsk(ctx, "survey", func(payload []byte, sourceID string) ([]byte, error) {
		return []byte(`"from-a"`), nil
	})
	b.SubscribeAsk(ctx, "survey", func(payload []byte, sourceID string) ([]byte, error) {
		return []byte(`"from-b"`), nil
	})

	askCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := root.Ask(askCtx, "asker", "survey", []byte(`null`))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if res.Truncated {
		t.Fatalf("expected no truncation, got missing=%v", res.MissingBranches)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(res.Results), res.Results)
	}
}

func TestBroadcastAskZeroBranchesCompletesImmediately(t *testing.T) {
	root := New("root", nil)
	askCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := root.Ask(askCtx, "asker", "empty-topic", []byte(`null`))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(res.Results) != 0 || res.Truncated {
		t.Fatalf("expected empty, non-truncated result, got %+v", res)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	root := New("root", nil)
	child := New("child", nil)
	var parentSideEdge, childSideEdge *Edge

	toParent := &directSender{target: root, edge: func() *Edge { return parentSideEdge }}
	childSideEdge = child.AttachParent(toParent)
	toChild := &directSender{target: child, edge: func() *Edge { return childSideEdge }}
	parentSideEdge = root.AttachChild(child.ID, toChild)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := child.Handshake(ctx, childSideEdge); err != nil {
		t.Fatalf("handshake: %v", err)
	}
}

func TestAskNodeRejectsLeavingNode(t *testing.T) {
	root := New("root", nil)
	ctx := context.Background()
	root.RegisterLocalNode(ctx, "worker-1", &testLocalNode{name: "worker-1"})

	if !root.MarkNodeLeaving("worker-1") {
		t.Fatal("expected MarkNodeLeaving to find the registered node")
	}
	_, err := root.AskNode(ctx, "caller", "worker-1", "ping", nil)
	if err == nil {
		t.Fatal("expected error for leaving node")
	}
	if xe, ok := err.(*xerrors.Error); !ok || xe.Code != xerrors.CodeProcedureNotReady {
		t.Fatalf("expected ProcedureNotReady, got %v", err)
	}
}

func TestAskNodeRejectsMismatchedGroup(t *testing.T) {
	root := New("root", nil)
	ctx := context.Background()
	root.RegisterLocalNode(ctx, "worker-1", &testLocalNode{name: "worker-1"}, "admins")

	_, err := root.AskNode(ctx, "caller", "worker-1", "ping", nil, "guests")
	if err == nil {
		t.Fatal("expected error for mismatched group")
	}
	xe, ok := err.(*xerrors.Error)
	if !ok || xe.Code != xerrors.CodeGroupPermissionDenied {
		t.Fatalf("expected GroupPermissionDenied, got %v", err)
	}

	if _, err := root.AskNode(ctx, "caller", "worker-1", "ping", nil, "admins"); err != nil {
		t.Fatalf("expected matching group to succeed, got %v", err)
	}
}

func TestTellNodeDropsWhenLeavingOrUngrouped(t *testing.T) {
	root := New("root", nil)
	ctx := context.Background()
	root.RegisterLocalNode(ctx, "worker-1", &testLocalNode{name: "worker-1"}, "admins")

	if err := root.TellNode(ctx, "caller", "worker-1", "ping", nil, "guests"); err == nil {
		t.Fatal("expected error for mismatched group")
	}
	if err := root.TellNode(ctx, "caller", "worker-1", "ping", nil, "admins"); err != nil {
		t.Fatalf("expected matching group to succeed, got %v", err)
	}

	root.MarkNodeLeaving("worker-1")
	if err := root.TellNode(ctx, "caller", "worker-1", "ping", nil, "admins"); err == nil {
		t.Fatal("expected error once node is leaving")
	}
}

func TestP2PForwardedAskRejectsLeavingAndMismatchedGroup(t *testing.T) {
	root := New("root", nil)
	child := New("child", nil)
	connectParentChild(t, root, child)
	ctx := context.Background()

	child.RegisterLocalNode(ctx, "worker-1", &testLocalNode{name: "worker-1"}, "admins")
	if _, ok := root.P2PTable().Lookup("worker-1"); !ok {
		t.Fatal("expected route to propagate to root")
	}

	askCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := root.AskNode(askCtx, "caller", "worker-1", "ping", nil, "guests"); err == nil {
		t.Fatal("expected error for mismatched group across a forwarded ask")
	} else if xe, ok := err.(*xerrors.Error); !ok || xe.Code != xerrors.CodeGroupPermissionDenied {
		t.Fatalf("expected GroupPermissionDenied, got %v", err)
	}

	if _, err := root.AskNode(askCtx, "caller", "worker-1", "ping", nil, "admins"); err != nil {
		t.Fatalf("expected matching group to succeed across a forwarded ask, got %v", err)
	}

	child.MarkNodeLeaving("worker-1")
	if _, err := root.AskNode(askCtx, "caller", "worker-1", "ping", nil, "admins"); err == nil {
		t.Fatal("expected error once the destination node is leaving")
	} else if xe, ok := err.(*xerrors.Error); !ok || xe.Code != xerrors.CodeProcedureNotReady {
		t.Fatalf("expected ProcedureNotReady, got %v", err)
	}
}

func TestConnectionDroppedWithdrawsRoutesAndSubs(t *testing.T) {
	root := New("root", nil)
	child := New("child", nil)
	connectParentChild(t, root, child)
	ctx := context.Background()

	child.RegisterLocalNode(ctx, "n1", &testLocalNode{name: "n1"})
	child.Subscribe(ctx, "topic-a", func(payload []byte, sourceID string) {})

	childEdgeOnRoot, ok := root.p2p.Lookup("n1")
	if !ok {
		t.Fatal("expected route before disconnect")
	}

	root.HandleConnectionDropped(ctx, childEdgeOnRoot)

	if _, ok := root.P2PTable().Lookup("n1"); ok {
		t.Fatal("expected route removed after connection dropped")
	}
	if edges := root.Subscriptions().Edges("topic-a"); len(edges) != 0 {
		t.Fatalf("expected subscription edge removed after connection dropped, got %d", len(edges))
	}
}
