// Package mux implements the reliable, flow-controlled, heartbeat-monitored
// multiplexer of §4.1: one control channel plus an unbounded number of
// stream channels over a single Link.
//
// Grounded on the reference app's internal/entangle/manager.go ping/pong
// heartbeat runLoop (generalized from a single heartbeat stream per peer to
// a full packet union carried by one Link), and on the per-peer
// mutex-guarded-map idiom used throughout the reference app's managers
// (internal/state.PeerTable, internal/mq.Manager) for the channel registry.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
	"go.uber.org/zap"
)

// Config tunes a Mux instance. Defaults match §4.1 exactly (window 32,
// heartbeat interval 10s, timeout 30s).
type Config struct {
	SendWindow        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{SendWindow: 32, HeartbeatInterval: 10 * time.Second, HeartbeatTimeout: 30 * time.Second}
}

// Mux multiplexes channels over a Link. Its methods mirror the Transport
// contract of §6.2 (ControlChannel/OpenOutgoingStreamChannel/
// OnIncomingStreamChannel/OnClose/Close/Abort), but they return the concrete
// *Channel, so erpc.MuxTransport adapts a Mux to erpc.Transport.
type Mux struct {
	link Link
	cfg  Config
	log  *zap.SugaredLogger

	// initiator allocates even stream channel ids; the acceptor allocates odd
	// ids (§3 Channel, "fixed at connect time").
	initiator bool

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextID   uint32
	closed   bool
	closeErr error

	onIncomingStream func(*Channel)
	onCloseHandlers  []func(error)
	openAckWaiters   map[uint32][]chan struct{}

	lastPong  time.Time
	pongMu    sync.Mutex
	heartbeat *time.Ticker
	done      chan struct{}
}

// New builds a Mux over link. initiator determines channel-id parity: the
// initiator allocates even ids, the acceptor odd ids (§3). logger may be nil.
func New(link Link, cfg Config, initiator bool, logger *zap.SugaredLogger) *Mux {
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = 32
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}

	m := &Mux{
		link:      link,
		cfg:       cfg,
		log:       logger,
		initiator: initiator,
		channels:  make(map[uint32]*Channel),
		openAckWaiters: make(map[uint32][]chan struct{}),
		done:      make(chan struct{}),
		lastPong:  time.Now(),
	}
	if initiator {
		m.nextID = 2
	} else {
		m.nextID = 1
	}

	control := newChannel(m, 0, RoleControl, cfg.SendWindow, StatusEstablished)
	m.channels[0] = control

	link.OnMessage(m.handleRaw)
	link.OnClose(m.handleLinkClose)

	m.startHeartbeat()
	return m
}

// ControlChannel returns the always-established channel 0 (§4.1).
func (m *Mux) ControlChannel() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[0]
}

// OnIncomingStreamChannel registers the handler invoked the first time a
// peer-initiated stream channel is accepted.
func (m *Mux) OnIncomingStreamChannel(h func(*Channel)) {
	m.mu.Lock()
	m.onIncomingStream = h
	m.mu.Unlock()
}

// OnClose registers a handler invoked when the Mux (and every channel it
// owns) is destroyed, whether locally or due to Link/heartbeat failure.
func (m *Mux) OnClose(h func(error)) {
	m.mu.Lock()
	m.onCloseHandlers = append(m.onCloseHandlers, h)
	m.mu.Unlock()
}

// OpenOutgoingStreamChannel allocates a fresh channel id, sends open-stream,
// and waits for open-stream-ack (the 1-RTT handshake of §4.1). Callers may
// optimistically Send on the returned channel before the handshake
// completes; those data frames queue on the remote side until accepted.
func (m *Mux) OpenOutgoingStreamChannel(ctx context.Context) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeLinkClosed, "mux closed")
	}
	id := m.allocID()
	ch := newChannel(m, id, RoleStream, m.cfg.SendWindow, StatusPreHandshake)
	m.channels[id] = ch
	m.mu.Unlock()

	ackCh := make(chan struct{})
	go func() {
		m.awaitOpenAck(id, ackCh)
	}()

	if err := m.sendPacket(wire.Packet{Type: wire.PacketOpenStream, ChannelID: id}); err != nil {
		m.dropChannel(id)
		return nil, err
	}

	select {
	case <-ackCh:
		ch.mu.Lock()
		ch.status = StatusEstablished
		ch.mu.Unlock()
		return ch, nil
	case <-ctx.Done():
		m.dropChannel(id)
		return nil, ctx.Err()
	case <-m.done:
		return nil, m.closeErrOrDefault()
	}
}

// awaitOpenAck registers ackCh to be closed when open-stream-ack for id
// arrives, unless the Mux is already closed.
func (m *Mux) awaitOpenAck(id uint32, ackCh chan struct{}) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.openAckWaiters[id] = append(m.openAckWaiters[id], ackCh)
	m.mu.Unlock()
}

func (m *Mux) allocID() uint32 {
	id := m.nextID
	m.nextID += 2
	return id
}

// sendPacket marshals and dispatches one frame through the Link.
func (m *Mux) sendPacket(p wire.Packet) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.link.SendMessage(ctx, p)
}

// handleRaw decodes one Link message into a Packet and dispatches it.
func (m *Mux) handleRaw(raw json.RawMessage) {
	var p wire.Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		if m.log != nil {
			m.log.Warnw("mux: malformed packet", "err", err)
		}
		return
	}
	m.dispatch(p)
}

func (m *Mux) dispatch(p wire.Packet) {
	switch p.Type {
	case wire.PacketPing:
		_ = m.sendPacket(wire.Packet{Type: wire.PacketPong})
	case wire.PacketPong:
		m.pongMu.Lock()
		m.lastPong = time.Now()
		m.pongMu.Unlock()
	case wire.PacketOpenStream:
		m.handleOpenStream(p.ChannelID)
	case wire.PacketOpenStreamAck:
		m.handleOpenStreamAck(p.ChannelID)
	case wire.PacketData:
		m.handleData(p.ChannelID, p.Seq, p.Payload)
	case wire.PacketAck:
		if ch := m.getChannel(p.ChannelID); ch != nil {
			ch.handleAck(p.Seq)
		}
	case wire.PacketCloseChannel:
		if ch := m.getChannel(p.ChannelID); ch != nil {
			ch.destroy(xerrors.New(xerrors.CodeChannelClosed, p.Reason))
			m.dropChannel(p.ChannelID)
		}
	default:
		if m.log != nil {
			m.log.Warnw("mux: unknown packet type", "type", p.Type)
		}
	}
}

func (m *Mux) getChannel(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

func (m *Mux) handleOpenStream(id uint32) {
	m.mu.Lock()
	ch, exists := m.channels[id]
	if !exists {
		ch = newChannel(m, id, RoleStream, m.cfg.SendWindow, StatusEstablished)
		m.channels[id] = ch
	}
	handler := m.onIncomingStream
	m.mu.Unlock()

	if !exists {
		_ = m.sendPacket(wire.Packet{Type: wire.PacketOpenStreamAck, ChannelID: id})
		if handler != nil {
			handler(ch)
		}
	}
}

func (m *Mux) handleOpenStreamAck(id uint32) {
	if ch := m.getChannel(id); ch != nil {
		ch.mu.Lock()
		ch.status = StatusEstablished
		ch.mu.Unlock()
	}
	m.mu.Lock()
	waiters := m.openAckWaiters[id]
	delete(m.openAckWaiters, id)
	m.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// handleData dispatches an inbound data frame. If the channel is unknown,
// MUX lazily creates it in ESTABLISHED state on the receiver side and runs
// the one-shot incoming-channel handler before delivering (§4.1 Receiver).
func (m *Mux) handleData(id uint32, seq uint64, payload json.RawMessage) {
	m.mu.Lock()
	ch, exists := m.channels[id]
	if !exists {
		ch = newChannel(m, id, RoleStream, m.cfg.SendWindow, StatusEstablished)
		m.channels[id] = ch
	}
	handler := m.onIncomingStream
	m.mu.Unlock()

	if !exists && handler != nil {
		handler(ch)
	}
	ch.deliver(seq, payload)
}

func (m *Mux) dropChannel(id uint32) {
	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()
}

func (m *Mux) startHeartbeat() {
	m.heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
	go func() {
		for {
			select {
			case <-m.done:
				m.heartbeat.Stop()
				return
			case <-m.heartbeat.C:
				if err := m.sendPacket(wire.Packet{Type: wire.PacketPing}); err != nil {
					m.abortLocked(fmt.Errorf("mux: heartbeat send failed: %w", err))
					return
				}
				m.pongMu.Lock()
				sincePong := time.Since(m.lastPong)
				m.pongMu.Unlock()
				if sincePong > m.cfg.HeartbeatTimeout {
					m.abortLocked(xerrors.New(xerrors.CodeHeartbeatTimeout, "peer unresponsive"))
					return
				}
			}
		}
	}()
}

func (m *Mux) handleLinkClose(err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeLinkClosed, "link closed")
	} else {
		err = xerrors.Wrap(xerrors.CodeLinkClosed, "link closed", err)
	}
	m.teardown(err)
}

func (m *Mux) abortLocked(err error) {
	m.teardown(err)
	_ = m.link.Close()
}

// teardown fans out err to every channel and runs OnClose handlers exactly
// once (§4.1 "Failure semantics": any Link failure or heartbeat timeout fans
// out to every channel as a close with that error).
func (m *Mux) teardown(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = err
	chans := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		chans = append(chans, c)
	}
	m.channels = make(map[uint32]*Channel)
	handlers := m.onCloseHandlers
	m.mu.Unlock()

	close(m.done)
	for _, c := range chans {
		c.destroy(err)
	}
	for _, h := range handlers {
		h(err)
	}
}

func (m *Mux) closeErrOrDefault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	return xerrors.New(xerrors.CodeLinkClosed, "mux closed")
}

// Close shuts the Mux down: it tears down local state with a LinkClosed
// error and then closes the Link. It sends no close packet to the peer and
// does not wait for frames already handed to the Link to be read.
func (m *Mux) Close() error {
	m.teardown(xerrors.New(xerrors.CodeLinkClosed, "mux closed locally"))
	return m.link.Close()
}

// Abort tears down immediately with err, matching §4.1 "abort(err) is
// immediate".
func (m *Mux) Abort(err error) {
	m.abortLocked(err)
}
