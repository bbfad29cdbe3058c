package mux

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
)

// Status is a Channel's lifecycle state (§3 Channel).
type Status int

const (
	StatusPreHandshake Status = iota
	StatusEstablished
	StatusClosed
)

// Role distinguishes the control channel (id 0) from stream channels.
type Role int

const (
	RoleControl Role = iota
	RoleStream
)

// Channel is a virtual, reliable, flow-controlled stream multiplexed over a
// Link (§3 Channel, §4.1). The send side holds a bounded window of
// unacknowledged frames; the receive side reorders out-of-order deliveries
// before handing them to the data handler in strict seq order (§4.1
// "Ordering guarantees").
type Channel struct {
	id   uint32
	role Role
	mux  *Mux

	mu     sync.Mutex
	status Status

	// sender state
	nextSeq    uint64
	pending    map[uint64]struct{}
	sendTokens chan struct{} // counting semaphore, capacity = send window W

	// receiver state
	recvBuf     map[uint64]json.RawMessage
	nextRecvSeq uint64

	dataHandler  func(payload json.RawMessage)
	onceHandlers []func(payload json.RawMessage)

	closedCh chan struct{}
	closeErr error
}

func newChannel(mux *Mux, id uint32, role Role, window int, status Status) *Channel {
	c := &Channel{
		id:         id,
		role:       role,
		mux:        mux,
		status:     status,
		pending:    make(map[uint64]struct{}),
		sendTokens: make(chan struct{}, window),
		recvBuf:    make(map[uint64]json.RawMessage),
		closedCh:   make(chan struct{}),
	}
	for i := 0; i < window; i++ {
		c.sendTokens <- struct{}{}
	}
	return c
}

func (c *Channel) ID() uint32 { return c.id }

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send submits payload for delivery on this channel. It suspends (§5
// suspension points) if the send window is full, until an ack frees a slot,
// the channel is destroyed, or ctx is cancelled.
func (c *Channel) Send(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSerializationError, "marshal channel payload", err)
	}

	select {
	case <-c.closedCh:
		return c.closeErrOrDefault()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.sendTokens:
	}

	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		c.sendTokens <- struct{}{}
		return c.closeErrOrDefault()
	}
	seq := c.nextSeq
	c.nextSeq++
	c.pending[seq] = struct{}{}
	c.mu.Unlock()

	if err := c.mux.sendPacket(wire.Packet{
		Type:      wire.PacketData,
		ChannelID: c.id,
		Seq:       seq,
		Payload:   raw,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		c.sendTokens <- struct{}{}
		return err
	}
	return nil
}

// handleAck removes seq from the unacked set and frees one send-window slot.
func (c *Channel) handleAck(seq uint64) {
	c.mu.Lock()
	_, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if ok {
		select {
		case c.sendTokens <- struct{}{}:
		default:
			// window already at capacity; should not happen, but never block.
		}
	}
}

// deliver buffers an incoming payload at seq and flushes every contiguous
// prefix now available to the data handler, acking each as it's delivered
// (§4.1 Receiver).
func (c *Channel) deliver(seq uint64, payload json.RawMessage) {
	c.mu.Lock()
	if seq < c.nextRecvSeq {
		c.mu.Unlock()
		return // duplicate/old, already delivered and acked
	}
	c.recvBuf[seq] = payload

	type item struct {
		seq     uint64
		payload json.RawMessage
	}
	var ready []item
	for {
		p, ok := c.recvBuf[c.nextRecvSeq]
		if !ok {
			break
		}
		delete(c.recvBuf, c.nextRecvSeq)
		ready = append(ready, item{seq: c.nextRecvSeq, payload: p})
		c.nextRecvSeq++
	}
	handler := c.dataHandler
	var once []func(payload json.RawMessage)
	if len(ready) > 0 && len(c.onceHandlers) > 0 {
		once = c.onceHandlers
		c.onceHandlers = nil
	}
	c.mu.Unlock()

	for _, it := range ready {
		for _, h := range once {
			h(it.payload)
		}
		once = nil
		if handler != nil {
			handler(it.payload)
		}
		_ = c.mux.sendPacket(wire.Packet{
			Type:      wire.PacketAck,
			ChannelID: c.id,
			Seq:       it.seq,
		})
	}
}

// OnMessage / OnData register the persistent data handler. Both names exist
// because §6.2 gives the control channel and stream channels distinct method
// names (send/onMessage vs onData) for the same underlying behavior.
func (c *Channel) OnMessage(h func(payload json.RawMessage)) {
	c.mu.Lock()
	c.dataHandler = h
	c.mu.Unlock()
}

func (c *Channel) OnData(h func(payload json.RawMessage)) { c.OnMessage(h) }

// OnceMessage / OnceData register a one-shot handler invoked before the
// persistent handler on the next delivered payload, then removed. Used for
// reading a single leading message (e.g. erpc's tunnel manager reads the
// stream-tunnel handshake that opens a tunneled host stream this way).
func (c *Channel) OnceMessage(h func(payload json.RawMessage)) {
	c.mu.Lock()
	c.onceHandlers = append(c.onceHandlers, h)
	c.mu.Unlock()
}

func (c *Channel) OnceData(h func(payload json.RawMessage)) { c.OnceMessage(h) }

// destroy transitions the channel to Closed and fails every suspended Send.
func (c *Channel) destroy(err error) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.closeErr = err
	c.mu.Unlock()
	close(c.closedCh)
}

func (c *Channel) closeErrOrDefault() error {
	c.mu.Lock()
	err := c.closeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeChannelClosed, "channel closed")
}

// Close sends a best-effort close-channel notification then destroys the
// channel locally (§4.1 "close-channel is a best-effort notification").
func (c *Channel) Close(reason string) error {
	_ = c.mux.sendPacket(wire.Packet{
		Type:      wire.PacketCloseChannel,
		ChannelID: c.id,
		Reason:    reason,
	})
	c.destroy(xerrors.New(xerrors.CodeChannelClosed, reason))
	c.mux.dropChannel(c.id)
	return nil
}
