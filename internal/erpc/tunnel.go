package erpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
	"go.uber.org/zap"
)

// TunnelManager implements §4.2.4: tunneling a whole nested Transport through
// the host connection. A bridge wraps a locally-owned real Transport and
// relays it; a proxy is a synthesized Transport on the remote side that
// routes every operation back through the host.
//
// Grounded on internal/p2p/relay.go's circuit-relay bridging (forwarding one
// peer connection's frames onto another without terminating the protocol),
// adapted here from libp2p relay/transport semantics to eRPC's host control
// channel plus per-stream tunnel handshake.
type TunnelManager struct {
	host Transport
	log  *zap.SugaredLogger

	mu      sync.Mutex
	bridges map[string]*bridgeTunnel
	proxies map[string]*proxyTransport
}

type bridgeTunnel struct {
	id        string
	transport Transport
}

func NewTunnelManager(host Transport, log *zap.SugaredLogger) *TunnelManager {
	tm := &TunnelManager{
		host:    host,
		log:     log,
		bridges: make(map[string]*bridgeTunnel),
		proxies: make(map[string]*proxyTransport),
	}
	host.OnIncomingStreamChannel(tm.handleIncomingHostStream)
	return tm
}

// CreateBridge registers transport as the real, locally-owned side of a new
// tunnel and returns a placeholder value to embed in an ask/tell argument
// (§4.2.4 steps 1-3). Its control-channel traffic and incoming stream
// channels start relaying immediately.
func (tm *TunnelManager) CreateBridge(transport Transport) LocalTunnelRef {
	id := newTunnelID()
	b := &bridgeTunnel{id: id, transport: transport}

	tm.mu.Lock()
	tm.bridges[id] = b
	tm.mu.Unlock()

	control := transport.ControlChannel()
	control.OnData(func(raw json.RawMessage) {
		tm.sendTunnelEnvelope(id, raw)
	})
	transport.OnIncomingStreamChannel(func(ch ChannelLike) {
		tm.forwardBridgeIncomingStream(id, ch)
	})
	return LocalTunnelRef{ID: id}
}

// getOrCreateProxy returns the synthesized Transport standing in for tunnel
// id on this side, creating it on first reference — which happens either
// when a deserialized transport_tunnel placeholder is first resolved, or
// when an incoming stream-tunnel names a tunnel id this side hasn't seen.
func (tm *TunnelManager) getOrCreateProxy(id string) *proxyTransport {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if p, ok := tm.proxies[id]; ok {
		return p
	}
	p := newProxyTransport(id, tm)
	tm.proxies[id] = p
	return p
}

// Proxy resolves a RemoteTunnelRef decoded from an ask/tell argument into
// its synthesized Transport.
func (tm *TunnelManager) Proxy(ref RemoteTunnelRef) Transport {
	return tm.getOrCreateProxy(ref.ID)
}

// Close destroys every bridge and proxy this TunnelManager holds, in
// response to the host transport closing (§4.2.4 "closure of the host
// transport destroys every bridge ... and every proxy"). Bridged real
// transports are closed outright; proxies are handed err so their Abort
// fans out to whatever called OnClose on them.
func (tm *TunnelManager) Close(err error) error {
	tm.mu.Lock()
	bridges := make([]*bridgeTunnel, 0, len(tm.bridges))
	for _, b := range tm.bridges {
		bridges = append(bridges, b)
	}
	proxies := make([]*proxyTransport, 0, len(tm.proxies))
	for _, p := range tm.proxies {
		proxies = append(proxies, p)
	}
	tm.bridges = make(map[string]*bridgeTunnel)
	tm.proxies = make(map[string]*proxyTransport)
	tm.mu.Unlock()

	for _, b := range bridges {
		_ = b.transport.Close()
	}
	for _, p := range proxies {
		p.Abort(err)
	}
	return nil
}

func (tm *TunnelManager) sendTunnelEnvelope(tunnelID string, payload json.RawMessage) {
	env := wire.Tunnel{TunnelID: tunnelID, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = tm.host.ControlChannel().Send(context.Background(), wire.Envelope{Type: wire.MsgTunnel, Payload: raw})
}

// HandleTunnelEnvelope is invoked by the Node's control-channel dispatcher
// for every incoming MsgTunnel envelope (§4.2.4 "the host control-message
// router ... forwards payloads to the TunnelManager without parsing them
// further").
func (tm *TunnelManager) HandleTunnelEnvelope(t wire.Tunnel) {
	tm.mu.Lock()
	proxy, isProxy := tm.proxies[t.TunnelID]
	bridge, isBridge := tm.bridges[t.TunnelID]
	tm.mu.Unlock()

	switch {
	case isProxy:
		proxy.deliverControl(t.Payload)
	case isBridge:
		_ = bridge.transport.ControlChannel().Send(context.Background(), t.Payload)
	default:
		if tm.log != nil {
			tm.log.Warnw("erpc: tunnel envelope for unknown tunnel id", "tunnelId", t.TunnelID)
		}
	}
}

// forwardBridgeIncomingStream implements §4.2.4 step 5: a stream channel
// accepted on the real bridged transport is forwarded upward by opening a
// fresh host stream channel, handshaking with stream-tunnel, then pumping
// data in both directions verbatim.
func (tm *TunnelManager) forwardBridgeIncomingStream(tunnelID string, ch ChannelLike) {
	streamID := newStreamID()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostCh, err := tm.openHostStreamForTunnel(ctx, tunnelID, streamID, wire.EndpointReceiver)
	if err != nil {
		if tm.log != nil {
			tm.log.Warnw("erpc: failed to open host stream for bridged incoming stream", "err", err)
		}
		return
	}
	pumpBothWays(ch, hostCh)
}

func (tm *TunnelManager) openHostStreamForTunnel(ctx context.Context, tunnelID, streamID string, target wire.TunnelEndpoint) (ChannelLike, error) {
	hostCh, err := tm.host.OpenOutgoingStreamChannel(ctx)
	if err != nil {
		return nil, err
	}
	if err := hostCh.Send(ctx, wire.StreamTunnel{TunnelID: tunnelID, StreamID: streamID, TargetEndpoint: target}); err != nil {
		return nil, err
	}
	return hostCh, nil
}

// handleIncomingHostStream dispatches a freshly accepted host-level stream
// channel by reading its first frame, which is always a stream-tunnel
// handshake (§4.2.4 step 5: host stream channels are only ever opened for
// tunnel pumping, never used directly for call-protocol streaming).
func (tm *TunnelManager) handleIncomingHostStream(hostCh ChannelLike) {
	hostCh.OnceData(func(raw json.RawMessage) {
		var st wire.StreamTunnel
		if err := json.Unmarshal(raw, &st); err != nil {
			return
		}
		tm.routeIncomingHostStream(st, hostCh)
	})
}

func (tm *TunnelManager) routeIncomingHostStream(st wire.StreamTunnel, hostCh ChannelLike) {
	switch st.TargetEndpoint {
	case wire.EndpointReceiver:
		proxy := tm.getOrCreateProxy(st.TunnelID)
		proxy.bindIncomingHostStream(hostCh)
	case wire.EndpointInitiator:
		tm.mu.Lock()
		b, ok := tm.bridges[st.TunnelID]
		tm.mu.Unlock()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		localCh, err := b.transport.OpenOutgoingStreamChannel(ctx)
		if err != nil {
			return
		}
		pumpBothWays(localCh, hostCh)
	}
}

// pumpBothWays relays every payload delivered on either channel to the other,
// verbatim, so the two ends of a tunnel are indistinguishable from a direct
// connection (§5 "Tunnel transparency").
func pumpBothWays(a, b ChannelLike) {
	a.OnData(func(raw json.RawMessage) { _ = b.Send(context.Background(), raw) })
	b.OnData(func(raw json.RawMessage) { _ = a.Send(context.Background(), raw) })
}

// proxyTransport is the synthesized Transport exposed on the non-owning side
// of a tunnel (§4.2.4 "the receiver synthesizes a ProxyTransport").
type proxyTransport struct {
	id string
	tm *TunnelManager

	mu                sync.Mutex
	control           *proxyControlChannel
	incomingStreamHdl func(ChannelLike)
	closeHandlers     []func(error)
}

func newProxyTransport(id string, tm *TunnelManager) *proxyTransport {
	p := &proxyTransport{id: id, tm: tm}
	p.control = &proxyControlChannel{tunnelID: id, tm: tm}
	return p
}

func (p *proxyTransport) ControlChannel() ChannelLike { return p.control }

func (p *proxyTransport) OpenOutgoingStreamChannel(ctx context.Context) (ChannelLike, error) {
	streamID := newStreamID()
	hostCh, err := p.tm.openHostStreamForTunnel(ctx, p.id, streamID, wire.EndpointInitiator)
	if err != nil {
		return nil, err
	}
	return hostCh, nil
}

func (p *proxyTransport) OnIncomingStreamChannel(h func(ChannelLike)) {
	p.mu.Lock()
	p.incomingStreamHdl = h
	p.mu.Unlock()
}

func (p *proxyTransport) bindIncomingHostStream(hostCh ChannelLike) {
	p.mu.Lock()
	h := p.incomingStreamHdl
	p.mu.Unlock()
	if h != nil {
		h(hostCh)
	}
}

func (p *proxyTransport) deliverControl(payload json.RawMessage) {
	p.control.deliver(payload)
}

func (p *proxyTransport) OnClose(h func(error)) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, h)
	p.mu.Unlock()
}

func (p *proxyTransport) Close() error {
	p.mu.Lock()
	handlers := p.closeHandlers
	p.mu.Unlock()
	err := xerrors.New(xerrors.CodeChannelClosed, "tunnel closed locally")
	for _, h := range handlers {
		h(err)
	}
	return nil
}

func (p *proxyTransport) Abort(err error) {
	p.mu.Lock()
	handlers := p.closeHandlers
	p.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// proxyControlChannel relays Send calls as tunnel envelopes over the host
// control channel, and fans incoming tunnel envelopes for this tunnel id out
// to registered data handlers, exactly mirroring mux.Channel's OnData/
// OnceData contract so call sites can't tell the difference.
type proxyControlChannel struct {
	tunnelID string
	tm       *TunnelManager

	mu           sync.Mutex
	dataHandler  func(json.RawMessage)
	onceHandlers []func(json.RawMessage)
}

func (c *proxyControlChannel) Send(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSerializationError, "marshal tunneled control payload", err)
	}
	c.tm.sendTunnelEnvelope(c.tunnelID, raw)
	return nil
}

func (c *proxyControlChannel) OnData(h func(json.RawMessage)) {
	c.mu.Lock()
	c.dataHandler = h
	c.mu.Unlock()
}

func (c *proxyControlChannel) OnceData(h func(json.RawMessage)) {
	c.mu.Lock()
	c.onceHandlers = append(c.onceHandlers, h)
	c.mu.Unlock()
}

func (c *proxyControlChannel) Close(reason string) error { return nil }

func (c *proxyControlChannel) deliver(payload json.RawMessage) {
	c.mu.Lock()
	handler := c.dataHandler
	once := c.onceHandlers
	c.onceHandlers = nil
	c.mu.Unlock()
	for _, h := range once {
		h(payload)
	}
	if handler != nil {
		handler(payload)
	}
}
