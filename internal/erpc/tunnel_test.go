package erpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopmesh/internal/wire"
)

// fakeChannel is a minimal ChannelLike whose Send delivers straight to a
// paired fakeChannel's handlers, synchronously, with no framing — enough to
// stand in for a mux.Channel pair when the test only cares about payload
// delivery, not MUX's windowing/heartbeat behavior.
type fakeChannel struct {
	mu           sync.Mutex
	dataHandler  func(json.RawMessage)
	onceHandlers []func(json.RawMessage)
	peer         *fakeChannel
}

func newFakeChannelPair() (*fakeChannel, *fakeChannel) {
	a := &fakeChannel{}
	b := &fakeChannel{}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *fakeChannel) Send(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.peer.deliver(raw)
	return nil
}

func (c *fakeChannel) OnData(h func(json.RawMessage)) {
	c.mu.Lock()
	c.dataHandler = h
	c.mu.Unlock()
}

func (c *fakeChannel) OnceData(h func(json.RawMessage)) {
	c.mu.Lock()
	c.onceHandlers = append(c.onceHandlers, h)
	c.mu.Unlock()
}

func (c *fakeChannel) Close(reason string) error { return nil }

func (c *fakeChannel) deliver(raw json.RawMessage) {
	c.mu.Lock()
	h := c.dataHandler
	once := c.onceHandlers
	c.onceHandlers = nil
	c.mu.Unlock()
	for _, f := range once {
		f(raw)
	}
	if h != nil {
		h(raw)
	}
}

// fakeHostTransport stands in for a Node's MuxTransport: a control channel
// plus a no-op stream side, since this test only exercises tunnel control-
// envelope relaying, not stream-tunnel pumping.
type fakeHostTransport struct {
	control *fakeChannel
}

func (t *fakeHostTransport) ControlChannel() ChannelLike { return t.control }
func (t *fakeHostTransport) OpenOutgoingStreamChannel(ctx context.Context) (ChannelLike, error) {
	return nil, context.Canceled
}
func (t *fakeHostTransport) OnIncomingStreamChannel(h func(ChannelLike)) {}
func (t *fakeHostTransport) OnClose(h func(error))                      {}
func (t *fakeHostTransport) Close() error                               { return nil }
func (t *fakeHostTransport) Abort(err error)                            {}

// wireTunnelDispatch hooks host's control channel up so any MsgTunnel
// envelope arriving on it reaches tm, mirroring Node.handleControlMessage's
// wire.MsgTunnel case without needing a full Node.
func wireTunnelDispatch(host *fakeHostTransport, tm *TunnelManager) {
	host.control.OnData(func(raw json.RawMessage) {
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type != wire.MsgTunnel {
			return
		}
		var t wire.Tunnel
		if err := json.Unmarshal(env.Payload, &t); err == nil {
			tm.HandleTunnelEnvelope(t)
		}
	})
}

// newBridgedLocalTransport returns the "real, locally-owned" transport
// handed to CreateBridge, plus the far end of its control channel, which
// stands in for whatever that real transport is connected to: a send on the
// far end reaches the bridge, and the bridge's sends arrive there.
func newBridgedLocalTransport() (*fakeHostTransport, *fakeChannel) {
	local, far := newFakeChannelPair()
	return &fakeHostTransport{control: local}, far
}

// TestTunnelControlChannelTransparency checks that data sent on the real,
// bridged transport's control channel arrives on the proxy's control channel
// on the other side, and vice versa, matching §5's "Tunnel transparency"
// expectation for the control half of a tunnel.
func TestTunnelControlChannelTransparency(t *testing.T) {
	hostAControl, hostBControl := newFakeChannelPair()
	hostA := &fakeHostTransport{control: hostAControl}
	hostB := &fakeHostTransport{control: hostBControl}

	tmA := NewTunnelManager(hostA, nil)
	tmB := NewTunnelManager(hostB, nil)
	wireTunnelDispatch(hostA, tmA)
	wireTunnelDispatch(hostB, tmB)

	localTransport, localControl := newBridgedLocalTransport()
	ref := tmA.CreateBridge(localTransport)

	proxy := tmB.Proxy(RemoteTunnelRef{ID: ref.ID})

	received := make(chan json.RawMessage, 1)
	proxy.ControlChannel().OnData(func(raw json.RawMessage) {
		received <- raw
	})

	if err := localControl.Send(context.Background(), map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("send on bridged local control channel: %v", err)
	}

	select {
	case raw := <-received:
		var got map[string]string
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal forwarded payload: %v", err)
		}
		if got["hello"] != "world" {
			t.Fatalf("forwarded payload = %v, want hello=world", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tunneled control payload")
	}
}

// TestTunnelControlChannelTransparencyReverse checks the other direction:
// the proxy side sends, the bridge's real local transport receives it.
func TestTunnelControlChannelTransparencyReverse(t *testing.T) {
	hostAControl, hostBControl := newFakeChannelPair()
	hostA := &fakeHostTransport{control: hostAControl}
	hostB := &fakeHostTransport{control: hostBControl}

	tmA := NewTunnelManager(hostA, nil)
	tmB := NewTunnelManager(hostB, nil)
	wireTunnelDispatch(hostA, tmA)
	wireTunnelDispatch(hostB, tmB)

	localTransport, localControl := newBridgedLocalTransport()
	ref := tmA.CreateBridge(localTransport)
	proxy := tmB.Proxy(RemoteTunnelRef{ID: ref.ID})

	received := make(chan json.RawMessage, 1)
	localControl.OnData(func(raw json.RawMessage) {
		received <- raw
	})

	if err := proxy.ControlChannel().Send(context.Background(), map[string]int{"n": 7}); err != nil {
		t.Fatalf("send on proxy control channel: %v", err)
	}

	select {
	case raw := <-received:
		var got map[string]int
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal forwarded payload: %v", err)
		}
		if got["n"] != 7 {
			t.Fatalf("forwarded payload = %v, want n=7", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reverse-direction tunneled payload")
	}
}

// TestTunnelUnknownIDWarnsWithoutPanicking exercises HandleTunnelEnvelope's
// default case: an envelope for a tunnel id neither side has ever created a
// bridge or proxy for must be dropped quietly, not panic.
func TestTunnelUnknownIDWarnsWithoutPanicking(t *testing.T) {
	hostA := &fakeHostTransport{control: &fakeChannel{}}
	tm := NewTunnelManager(hostA, nil)

	tm.HandleTunnelEnvelope(wire.Tunnel{TunnelID: "does-not-exist", Payload: json.RawMessage(`{}`)})
}
