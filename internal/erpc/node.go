package erpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petervdpas/goopmesh/internal/mux"
	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
	"go.uber.org/zap"
)

// askWaiter is the resolver for one in-flight Ask (§4.2.3 pending-call
// table), grounded on internal/mq/manager.go's pending map[string]chan
// struct{} ack-wait pattern generalized from a bare ack to a full
// result-or-error.
type askWaiter chan askOutcome

type askOutcome struct {
	result json.RawMessage
	err    *xerrors.Error
}

// Node is one eRPC endpoint over a single MUX connection (§4.2 "one per MUX
// connection. Hosts a router, dispatches incoming calls, manages outgoing
// call futures, tunnels nested transports").
type Node struct {
	transport Transport
	control   ChannelLike
	log       *zap.SugaredLogger

	router     *Router
	serializer *Serializer
	pins       *PinManager
	streams    *StreamManager
	tunnels    *TunnelManager
	features   []Feature

	mu      sync.Mutex
	pending map[string]askWaiter
	closed  bool
	closeErr error
}

// NewNode wires every feature of §4.2's capability bag bottom-up over m, the
// Mux this Node rides on. router may be nil (a Node that only calls out,
// never serves).
func NewNode(m *mux.Mux, router *Router, log *zap.SugaredLogger) *Node {
	return NewNodeOverTransport(NewMuxTransport(m), router, log)
}

// NewNodeOverTransport is the Transport-abstracted constructor, used both
// for real MUX connections and, internally, when a bridged/proxied
// connection needs its own Node (nested transports still speak the same
// eRPC call protocol over their own control channel).
func NewNodeOverTransport(transport Transport, router *Router, log *zap.SugaredLogger) *Node {
	if router == nil {
		router = NewRouter()
	}
	pins := NewPinManager()
	streams := NewStreamManager()
	serializer := NewSerializer(pins, streams)
	tunnels := NewTunnelManager(transport, log)

	n := &Node{
		transport:  transport,
		control:    transport.ControlChannel(),
		log:        log,
		router:     router,
		serializer: serializer,
		pins:       pins,
		streams:    streams,
		tunnels:    tunnels,
		pending:    make(map[string]askWaiter),
		features: []Feature{
			&pinFeature{pins: pins},
			&streamFeature{streams: streams},
			&tunnelFeature{tunnels: tunnels},
			&routerFeature{router: router},
		},
	}

	n.control.OnData(n.handleControlMessage)
	transport.OnClose(n.handleTransportClose)
	return n
}

func (n *Node) Router() *Router         { return n.router }
func (n *Node) Pins() *PinManager       { return n.pins }
func (n *Node) Streams() *StreamManager { return n.streams }
func (n *Node) Tunnels() *TunnelManager { return n.tunnels }

// Ask invokes the remote procedure at path with args, blocking until the
// matching ask-result arrives, ctx is cancelled, or the Node closes
// (§4.2.1 ask, §4.2.3).
func (n *Node) Ask(ctx context.Context, path string, args any) (any, error) {
	n.mu.Lock()
	if n.closed {
		err := n.closeErr
		n.mu.Unlock()
		return nil, err
	}
	argsRaw, err := n.serializer.Encode(args)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	callID := newCallID()
	waiter := make(askWaiter, 1)
	n.pending[callID] = waiter
	n.mu.Unlock()

	ask := wire.Ask{CallID: callID, Path: path, Args: argsRaw}
	if err := n.sendEnvelope(ctx, wire.MsgAsk, ask); err != nil {
		n.dropPending(callID)
		return nil, err
	}

	select {
	case outcome := <-waiter:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return n.serializer.Decode(outcome.result)
	case <-ctx.Done():
		n.dropPending(callID)
		return nil, ctx.Err()
	}
}

// Tell invokes path fire-and-forget: no response is ever sent or awaited
// (§4.2.1 tell).
func (n *Node) Tell(ctx context.Context, path string, args any) error {
	argsRaw, err := n.serializer.Encode(args)
	if err != nil {
		return err
	}
	return n.sendEnvelope(ctx, wire.MsgTell, wire.Tell{Path: path, Args: argsRaw})
}

func (n *Node) dropPending(callID string) {
	n.mu.Lock()
	delete(n.pending, callID)
	n.mu.Unlock()
}

func (n *Node) sendEnvelope(ctx context.Context, typ wire.CallMessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSerializationError, "marshal envelope payload", err)
	}
	return n.control.Send(ctx, wire.Envelope{Type: typ, Payload: raw})
}

// handleControlMessage dispatches one decoded control-channel Envelope to
// its matching call-protocol handler (§4.2.1's message union).
func (n *Node) handleControlMessage(raw json.RawMessage) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if n.log != nil {
			n.log.Warnw("erpc: malformed control envelope", "err", err)
		}
		return
	}
	switch env.Type {
	case wire.MsgAsk:
		var ask wire.Ask
		if err := json.Unmarshal(env.Payload, &ask); err == nil {
			go n.serveAsk(ask)
		}
	case wire.MsgAskResult:
		var result wire.AskResult
		if err := json.Unmarshal(env.Payload, &result); err == nil {
			n.resolveAsk(result)
		}
	case wire.MsgTell:
		var tell wire.Tell
		if err := json.Unmarshal(env.Payload, &tell); err == nil {
			go n.serveTell(tell)
		}
	case wire.MsgPinFree:
		var pf wire.PinFree
		if err := json.Unmarshal(env.Payload, &pf); err == nil {
			n.pins.Free(pf.PinID)
		}
	case wire.MsgStreamData:
		var sd wire.StreamData
		if err := json.Unmarshal(env.Payload, &sd); err == nil {
			n.streams.Push(context.Background(), sd.StreamID, sd.Chunk)
		}
	case wire.MsgStreamEnd:
		var se wire.StreamEnd
		if err := json.Unmarshal(env.Payload, &se); err == nil {
			n.streams.End(se.StreamID)
		}
	case wire.MsgStreamAbort:
		var sa wire.StreamAbort
		if err := json.Unmarshal(env.Payload, &sa); err == nil {
			n.streams.Abort(sa.StreamID, xerrors.New(xerrors.CodeBufferClosed, sa.Reason))
		}
	case wire.MsgTunnel:
		var t wire.Tunnel
		if err := json.Unmarshal(env.Payload, &t); err == nil {
			n.tunnels.HandleTunnelEnvelope(t)
		}
	default:
		if n.log != nil {
			n.log.Warnw("erpc: unknown control message type", "type", env.Type)
		}
	}
}

// serveAsk dispatches an incoming Ask to the router and always replies,
// turning a missing route or a procedure panic/error into a serialized
// ask-result.Err (§4.2.3, §7 ProcedureError).
func (n *Node) serveAsk(ask wire.Ask) {
	result, procErr := n.invoke(ask.Path, ask.Args)
	out := wire.AskResult{CallID: ask.CallID}
	if procErr != nil {
		wireErr := procErr.ToWire()
		out.Err = &wire.WireError{Code: string(wireErr.Code), Message: wireErr.Message, Tag: wireErr.Tag}
	} else {
		raw, err := n.serializer.Encode(result)
		if err != nil {
			e := xerrors.Wrap(xerrors.CodeSerializationError, "encode ask result", err).ToWire()
			out.Err = &wire.WireError{Code: string(e.Code), Message: e.Message}
		} else {
			out.Result = raw
		}
	}
	_ = n.sendEnvelope(context.Background(), wire.MsgAskResult, out)
}

func (n *Node) serveTell(tell wire.Tell) {
	_, _ = n.invoke(tell.Path, tell.Args)
}

// invoke looks up path in the router and calls it, converting "not found",
// any returned error and a procedure panic into a classified *xerrors.Error.
func (n *Node) invoke(path string, argsRaw json.RawMessage) (result any, procErr *xerrors.Error) {
	handler, ok := n.router.Dispatch(path)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNodeNotFound, "no procedure registered at "+path)
	}
	defer func() {
		if r := recover(); r != nil {
			result, procErr = nil, xerrors.Procedure("", fmt.Sprint(r), nil)
		}
	}()
	ctx := CallContext{Context: context.Background(), node: n}
	result, callErr := handler(ctx, argsRaw)
	if callErr != nil {
		if xe, ok := callErr.(*xerrors.Error); ok {
			return nil, xe
		}
		return nil, xerrors.Procedure("", callErr.Error(), callErr)
	}
	return result, nil
}

func (n *Node) resolveAsk(result wire.AskResult) {
	n.mu.Lock()
	waiter, ok := n.pending[result.CallID]
	if ok {
		delete(n.pending, result.CallID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	outcome := askOutcome{result: result.Result}
	if result.Err != nil {
		outcome.err = &xerrors.Error{Code: xerrors.Code(result.Err.Code), Message: result.Err.Message, Tag: result.Err.Tag}
	}
	waiter <- outcome
}

// handleTransportClose fails every outstanding Ask with the transport's
// closing error, marks the Node closed, and tears every feature down with
// that same error (§4.2.3's requirement that MUX faults fail every
// dependent call; §5 Cancellation and §4.2.4 require the same of buffered
// streams and tunnels). Registered on transport.OnClose, so this runs
// whether the transport closed because Node.Close asked it to or because it
// died on its own.
func (n *Node) handleTransportClose(err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeLinkClosed, "transport closed")
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.closeErr = err
	waiters := n.pending
	n.pending = make(map[string]askWaiter)
	n.mu.Unlock()

	xe, ok := err.(*xerrors.Error)
	if !ok {
		xe = xerrors.Wrap(xerrors.CodeLinkClosed, "transport closed", err)
	}
	for _, w := range waiters {
		w <- askOutcome{err: xe}
	}
	closeFeatures(n.features, xe)
}

// Close gracefully shuts the Node down (§4.2.3 NodeClosing): every call made
// after this point fails immediately, every feature is closed in reverse
// build order, and the transport itself is closed.
func (n *Node) Close() error {
	n.handleTransportClose(xerrors.New(xerrors.CodeNodeClosing, "node closing"))
	return n.transport.Close()
}
