package ebus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
	"go.uber.org/zap"
)

// correlationWaiter resolves a pending request/response exchange keyed by a
// correlationId (§4.3.6 "every control message with a correlationId is
// answered; unanswered messages after a configurable deadline are treated
// as connection faults").
type correlationWaiter chan json.RawMessage

// Bus is one node in the eBUS tree of §4.3: at most one parent, any number
// of children, and any number of locally-hosted eRPC nodes.
//
// Grounded on internal/p2p/host.go's topic/peer bookkeeping for the
// Pub/Sub half and internal/rendezvous/client.go's correlationId
// request/response matching for the handshake/sub-update/node-announcement
// protocol; the session machinery is grounded on internal/call/manager.go.
type Bus struct {
	ID  string
	log *zap.SugaredLogger

	mu       sync.Mutex
	parent   *Edge
	children map[string]*Edge

	p2p      *P2PTable
	subs     *SubscriptionTable
	sessions *SessionManager

	corrMu   sync.Mutex
	waiters  map[string]correlationWaiter

	handshakeTimeout time.Duration
}

func New(id string, log *zap.SugaredLogger) *Bus {
	return &Bus{
		ID:               id,
		log:              log,
		children:         make(map[string]*Edge),
		p2p:              NewP2PTable(),
		subs:             NewSubscriptionTable(),
		sessions:         NewSessionManager(),
		waiters:          make(map[string]correlationWaiter),
		handshakeTimeout: 5 * time.Second,
	}
}

func (b *Bus) P2PTable() *P2PTable                 { return b.p2p }
func (b *Bus) Subscriptions() *SubscriptionTable    { return b.subs }
func (b *Bus) Sessions() *SessionManager            { return b.sessions }

func envelope(kind wire.EnvelopeKind, payload any) wire.BusEnvelope {
	raw, _ := json.Marshal(payload)
	return wire.BusEnvelope{Kind: kind, Payload: raw}
}

// --- Local node registration -------------------------------------------------

// RegisterLocalNode mounts node under nodeID, with optional group
// membership (§3 Node.groups, used by the GroupPermissionDenied ACL check
// on P2P dispatch), and announces it upward. A node registers already
// ready: this bus's API is synchronous, so there is no separate
// finish-joining call for a caller to make — MarkNodeLeaving is the only
// state transition exposed after registration.
func (b *Bus) RegisterLocalNode(ctx context.Context, nodeID string, node LocalNode, groups ...string) {
	edge := newLocalEdge(nodeID, node)
	b.p2p.Set(nodeID, edge, groups)
	b.announceUpward(ctx, Announcement{NodeID: nodeID, IsAvailable: true, Groups: groups})
}

// UnregisterLocalNode withdraws nodeID and announces the withdrawal upward.
func (b *Bus) UnregisterLocalNode(ctx context.Context, nodeID string) {
	if b.p2p.Remove(nodeID) {
		b.announceUpward(ctx, Announcement{NodeID: nodeID, IsAvailable: false})
	}
}

// MarkNodeLeaving transitions a locally-hosted node's lifecycle state to
// leaving (§3 Node state), so P2P asks addressed to it starting now are
// rejected with ProcedureNotReady instead of being dispatched — meant to be
// called before UnregisterLocalNode actually withdraws its route, to give
// in-flight calls a distinct rejection reason from NodeNotFound. Returns
// false if nodeID names no locally-hosted node.
func (b *Bus) MarkNodeLeaving(nodeID string) bool {
	edge, ok := b.p2p.Lookup(nodeID)
	if !ok || edge.Kind != SourceLocal {
		return false
	}
	edge.setState(NodeLeaving)
	return true
}

type Announcement = wire.Announcement

func (b *Bus) announceUpward(ctx context.Context, a Announcement) {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == nil {
		return
	}
	_ = parent.Send(ctx, envelope(wire.KindNodeAnnouncement, wire.NodeAnnouncement{
		CorrelationID: uuid.NewString(),
		Announcements: []wire.Announcement{a},
	}))
}

// --- Topology ----------------------------------------------------------------

// AttachParent wires sender as this bus's parent edge and returns it.
func (b *Bus) AttachParent(sender EnvelopeSender) *Edge {
	edge := newParentEdge(sender)
	b.mu.Lock()
	b.parent = edge
	b.mu.Unlock()
	return edge
}

// AttachChild wires sender as the edge reaching child bus busID.
func (b *Bus) AttachChild(busID string, sender EnvelopeSender) *Edge {
	edge := newChildEdge(busID, sender)
	b.mu.Lock()
	b.children[busID] = edge
	b.mu.Unlock()
	return edge
}

// Handshake actively initiates the handshake protocol of §4.3.6 over edge,
// then sends this bus's own state dump. Whichever side doesn't initiate
// still sends its dump, from its Dispatch handler's KindHandshake case.
func (b *Bus) Handshake(ctx context.Context, edge *Edge) error {
	corrID := uuid.NewString()
	waiter := make(correlationWaiter, 1)
	b.corrMu.Lock()
	b.waiters[corrID] = waiter
	b.corrMu.Unlock()

	if err := edge.Send(ctx, envelope(wire.KindHandshake, wire.Handshake{CorrelationID: corrID, BusID: b.ID})); err != nil {
		b.dropWaiter(corrID)
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
	defer cancel()
	select {
	case <-waiter:
		b.sendStateDump(ctx, edge)
		return nil
	case <-hctx.Done():
		b.dropWaiter(corrID)
		return xerrors.New(xerrors.CodeLinkClosed, "handshake timed out")
	}
}

func (b *Bus) dropWaiter(id string) {
	b.corrMu.Lock()
	delete(b.waiters, id)
	b.corrMu.Unlock()
}

func (b *Bus) resolveWaiter(id string, raw json.RawMessage) {
	b.corrMu.Lock()
	w, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}
	b.corrMu.Unlock()
	if ok {
		w <- raw
	}
}

// sendStateDump pushes every locally-hosted node to edge as an availability
// announcement (§4.3.6). It sends no sub-update: topic interest this bus
// already holds is not re-announced to edge.
func (b *Bus) sendStateDump(ctx context.Context, edge *Edge) {
	var announcements []wire.Announcement
	for nodeID := range b.p2p.snapshotLocal() {
		announcements = append(announcements, wire.Announcement{NodeID: nodeID, IsAvailable: true})
	}
	if len(announcements) > 0 {
		_ = edge.Send(ctx, envelope(wire.KindNodeAnnouncement, wire.NodeAnnouncement{
			CorrelationID: uuid.NewString(),
			Announcements: announcements,
		}))
	}
}

// --- Connection lifecycle -----------------------------------------------------

// HandleConnectionDropped withdraws every route and subscription edge owns,
// propagates the withdrawals upward/downward as appropriate, and fans the
// drop out to every session (§4.3.2, §4.4).
func (b *Bus) HandleConnectionDropped(ctx context.Context, edge *Edge) {
	for _, nodeID := range b.p2p.RemoveEdge(edge) {
		b.announceUpward(ctx, Announcement{NodeID: nodeID, IsAvailable: false})
	}
	for _, topic := range b.subs.RemoveEdge(edge) {
		b.propagateSubChange(ctx, topic, false)
	}
	b.sessions.HandleDownstreamDisconnect(edge)

	b.mu.Lock()
	if b.parent == edge {
		b.parent = nil
	}
	for id, e := range b.children {
		if e == edge {
			delete(b.children, id)
		}
	}
	b.mu.Unlock()
}

// --- Dispatch ------------------------------------------------------------

// Dispatch decodes raw as a BusEnvelope arriving from source and handles it.
// Callers wire this to receive every "_ebus.envelope" Tell on the erpc.Node
// backing source.
func (b *Bus) Dispatch(ctx context.Context, source *Edge, raw json.RawMessage) error {
	var env wire.BusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return xerrors.Wrap(xerrors.CodeSerializationError, "decode bus envelope", err)
	}
	switch env.Kind {
	case wire.KindHandshake:
		var h wire.Handshake
		if err := json.Unmarshal(env.Payload, &h); err != nil {
			return err
		}
		_ = source.Send(ctx, envelope(wire.KindHandshakeResp, wire.HandshakeResponse{CorrelationID: h.CorrelationID, BusID: b.ID}))
		b.sendStateDump(ctx, source)
	case wire.KindHandshakeResp:
		var hr wire.HandshakeResponse
		if err := json.Unmarshal(env.Payload, &hr); err != nil {
			return err
		}
		b.resolveWaiter(hr.CorrelationID, env.Payload)
	case wire.KindNodeAnnouncement:
		b.handleNodeAnnouncement(ctx, source, env.Payload)
	case wire.KindNodeAnnouncementResp:
		var r wire.NodeAnnouncementResponse
		if err := json.Unmarshal(env.Payload, &r); err == nil {
			b.resolveWaiter(r.CorrelationID, env.Payload)
		}
	case wire.KindSubUpdate:
		b.handleSubUpdate(ctx, source, env.Payload)
	case wire.KindSubUpdateResp:
		var r wire.SubUpdateResponse
		if err := json.Unmarshal(env.Payload, &r); err == nil {
			b.resolveWaiter(r.CorrelationID, env.Payload)
		}
	case wire.KindP2P:
		var p wire.P2P
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			b.handleP2P(ctx, source, p)
		}
	case wire.KindBroadcast:
		var bc wire.Broadcast
		if err := json.Unmarshal(env.Payload, &bc); err == nil {
			b.handleBroadcast(ctx, source, bc)
		}
	case wire.KindAckResult:
		var ar wire.AckResult
		if err := json.Unmarshal(env.Payload, &ar); err == nil {
			if s, ok := b.sessions.Get(ar.CallID); ok {
				s.Update(&ar, source)
			}
		}
	case wire.KindAckFin:
		var af wire.AckFin
		if err := json.Unmarshal(env.Payload, &af); err == nil {
			if s, ok := b.sessions.Get(af.CallID); ok {
				s.Update(&af, source)
			}
		}
	}
	return nil
}

func (b *Bus) handleNodeAnnouncement(ctx context.Context, source *Edge, raw json.RawMessage) {
	var na wire.NodeAnnouncement
	if err := json.Unmarshal(raw, &na); err != nil {
		return
	}
	for _, a := range na.Announcements {
		if a.IsAvailable {
			if b.p2p.Set(a.NodeID, source, a.Groups) {
				b.announceUpward(ctx, Announcement{NodeID: a.NodeID, IsAvailable: true, Groups: a.Groups})
			}
		} else {
			if b.p2p.Remove(a.NodeID) {
				b.announceUpward(ctx, Announcement{NodeID: a.NodeID, IsAvailable: false})
			}
		}
	}
	_ = source.Send(ctx, envelope(wire.KindNodeAnnouncementResp, wire.NodeAnnouncementResponse{CorrelationID: na.CorrelationID}))
}

func (b *Bus) handleSubUpdate(ctx context.Context, source *Edge, raw json.RawMessage) {
	var su wire.SubUpdate
	if err := json.Unmarshal(raw, &su); err != nil {
		return
	}
	for _, entry := range su.Updates {
		var changed bool
		if entry.IsSubscribed {
			changed = b.subs.AddDownstream(entry.Topic, source)
		} else {
			changed = b.subs.RemoveDownstream(entry.Topic, source)
		}
		if changed {
			b.propagateSubChange(ctx, entry.Topic, entry.IsSubscribed)
		}
	}
	_ = source.Send(ctx, envelope(wire.KindSubUpdateResp, wire.SubUpdateResponse{CorrelationID: su.CorrelationID}))
}

func (b *Bus) propagateSubChange(ctx context.Context, topic string, subscribed bool) {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == nil {
		return
	}
	_ = parent.Send(ctx, envelope(wire.KindSubUpdate, wire.SubUpdate{
		CorrelationID: uuid.NewString(),
		Updates:       []wire.SubUpdateEntry{{Topic: topic, IsSubscribed: subscribed}},
	}))
}

// --- P2P -----------------------------------------------------------------

// AskNode sends a P2P ask to destNodeID and waits for its single response
// (§4.3.3). sourceGroups is the calling identity's group membership,
// checked against destNodeID's announced groups when the destination turns
// out to be local to this bus (§7 GroupPermissionDenied); a remote
// destination's owning bus performs the same check on its own side.
func (b *Bus) AskNode(ctx context.Context, sourceID, destNodeID, path string, args any, sourceGroups ...string) (any, error) {
	edge, ok := b.p2p.Lookup(destNodeID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNodeNotFound, "no route to node "+destNodeID)
	}
	if edge.Kind == SourceLocal {
		if edge.State() != NodeReady {
			return nil, xerrors.New(xerrors.CodeProcedureNotReady, "node "+destNodeID+" is "+edge.State().String())
		}
		if !groupsAllowed(b.p2p.Groups(destNodeID), sourceGroups) {
			return nil, xerrors.New(xerrors.CodeGroupPermissionDenied, "source lacks required group for node "+destNodeID)
		}
		return edge.local.Ask(ctx, path, args)
	}

	argsRaw, err := json.Marshal(args)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerializationError, "marshal p2p ask args", err)
	}
	callID := uuid.NewString()
	waiter := make(correlationWaiter, 1)
	b.corrMu.Lock()
	b.waiters[callID] = waiter
	b.corrMu.Unlock()

	payload, _ := json.Marshal(wire.P2PAskPayload{CallID: callID, Path: path, Args: argsRaw})
	p := wire.P2P{SourceID: sourceID, SourceGroups: sourceGroups, DestinationID: destNodeID, PayloadKind: wire.P2PAsk, Payload: payload}
	if err := edge.Send(ctx, envelope(wire.KindP2P, p)); err != nil {
		b.dropWaiter(callID)
		return nil, err
	}

	select {
	case raw := <-waiter:
		var res wire.P2PAskResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, xerrors.New(xerrors.Code(res.Error), res.Error)
		}
		var out any
		_ = json.Unmarshal(res.Result, &out)
		return out, nil
	case <-ctx.Done():
		b.dropWaiter(callID)
		return nil, ctx.Err()
	}
}

// TellNode sends a P2P tell to destNodeID, fire-and-forget. sourceGroups is
// checked the same way AskNode checks it when the destination is local.
func (b *Bus) TellNode(ctx context.Context, sourceID, destNodeID, path string, args any, sourceGroups ...string) error {
	edge, ok := b.p2p.Lookup(destNodeID)
	if !ok {
		return xerrors.New(xerrors.CodeNodeNotFound, "no route to node "+destNodeID)
	}
	if edge.Kind == SourceLocal {
		if edge.State() != NodeReady {
			return xerrors.New(xerrors.CodeProcedureNotReady, "node "+destNodeID+" is "+edge.State().String())
		}
		if !groupsAllowed(b.p2p.Groups(destNodeID), sourceGroups) {
			return xerrors.New(xerrors.CodeGroupPermissionDenied, "source lacks required group for node "+destNodeID)
		}
		return edge.local.Tell(ctx, path, args)
	}
	argsRaw, err := json.Marshal(args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSerializationError, "marshal p2p tell args", err)
	}
	payload, _ := json.Marshal(wire.P2PTellPayload{Path: path, Args: argsRaw})
	p := wire.P2P{SourceID: sourceID, SourceGroups: sourceGroups, DestinationID: destNodeID, PayloadKind: wire.P2PTell, Payload: payload}
	return edge.Send(ctx, envelope(wire.KindP2P, p))
}

func (b *Bus) handleP2P(ctx context.Context, source *Edge, p wire.P2P) {
	switch p.PayloadKind {
	case wire.P2PAsk:
		var ap wire.P2PAskPayload
		if err := json.Unmarshal(p.Payload, &ap); err != nil {
			return
		}
		edge, ok := b.p2p.Lookup(p.DestinationID)
		if !ok {
			b.replyP2PError(ctx, p.SourceID, ap.CallID, xerrors.CodeNodeNotFound)
			return
		}
		if edge.Kind == SourceLocal {
			if edge.State() != NodeReady {
				b.replyP2PError(ctx, p.SourceID, ap.CallID, xerrors.CodeProcedureNotReady)
				return
			}
			if !groupsAllowed(b.p2p.Groups(p.DestinationID), p.SourceGroups) {
				b.replyP2PError(ctx, p.SourceID, ap.CallID, xerrors.CodeGroupPermissionDenied)
				return
			}
			go func() {
				result, err := edge.local.Ask(context.Background(), ap.Path, json.RawMessage(ap.Args))
				b.replyP2PResult(context.Background(), p.SourceID, ap.CallID, result, err)
			}()
			return
		}
		_ = edge.Send(ctx, envelope(wire.KindP2P, p))
	case wire.P2PTell:
		var tp wire.P2PTellPayload
		if err := json.Unmarshal(p.Payload, &tp); err != nil {
			return
		}
		edge, ok := b.p2p.Lookup(p.DestinationID)
		if !ok {
			return
		}
		if edge.Kind == SourceLocal {
			// tell is fire-and-forget: a not-ready or ungrouped destination
			// just drops it, the same as the spec's "tell calls ... never
			// throw at send time".
			if edge.State() != NodeReady || !groupsAllowed(b.p2p.Groups(p.DestinationID), p.SourceGroups) {
				return
			}
			go func() { _ = edge.local.Tell(context.Background(), tp.Path, json.RawMessage(tp.Args)) }()
			return
		}
		_ = edge.Send(ctx, envelope(wire.KindP2P, p))
	case wire.P2PResponse:
		var res wire.P2PAskResult
		if err := json.Unmarshal(p.Payload, &res); err != nil {
			return
		}
		// Already addressed to this bus's local originator by AskNode's
		// waiter, or needs one more hop if it was only passing through.
		if _, ok := b.corrWaiter(res.CallID); ok {
			b.resolveWaiter(res.CallID, p.Payload)
			return
		}
		if edge, ok := b.replyRoute(p.DestinationID); ok && edge.Kind != SourceLocal && edge != source {
			_ = edge.Send(ctx, envelope(wire.KindP2P, p))
		}
	}
}

func (b *Bus) corrWaiter(id string) (correlationWaiter, bool) {
	b.corrMu.Lock()
	defer b.corrMu.Unlock()
	w, ok := b.waiters[id]
	return w, ok
}

// replyRoute picks the edge a P2P response to destNodeID travels on: its
// routed edge if this bus has one, otherwise the parent edge, since
// announcements only travel upward and a node missing from this bus's table
// sits outside its subtree.
func (b *Bus) replyRoute(destNodeID string) (*Edge, bool) {
	if edge, ok := b.p2p.Lookup(destNodeID); ok {
		return edge, true
	}
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	return parent, parent != nil
}

// replyP2PError sends a failed P2PAskResult carrying code back to
// destNodeID (the original asker), routing it the same way a successful
// result would be: resolved directly if the asker is local to this bus,
// forwarded on its edge otherwise.
func (b *Bus) replyP2PError(ctx context.Context, destNodeID, callID string, code xerrors.Code) {
	edge, ok := b.replyRoute(destNodeID)
	res := wire.P2PAskResult{CallID: callID, Success: false, Error: string(code)}
	if !ok {
		return
	}
	if edge.Kind == SourceLocal {
		b.resolveWaiter(callID, mustMarshal(res))
		return
	}
	p := wire.P2P{SourceID: b.ID, DestinationID: destNodeID, PayloadKind: wire.P2PResponse, Payload: mustMarshal(res)}
	_ = edge.Send(ctx, envelope(wire.KindP2P, p))
}

func (b *Bus) replyP2PResult(ctx context.Context, destNodeID, callID string, result any, callErr error) {
	res := wire.P2PAskResult{CallID: callID, Success: callErr == nil}
	if callErr != nil {
		res.Error = callErr.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		} else {
			res.Result = raw
		}
	}
	edge, ok := b.replyRoute(destNodeID)
	if !ok {
		return
	}
	if edge.Kind == SourceLocal {
		b.resolveWaiter(callID, mustMarshal(res))
		return
	}
	p := wire.P2P{SourceID: b.ID, DestinationID: destNodeID, PayloadKind: wire.P2PResponse, Payload: mustMarshal(res)}
	_ = edge.Send(ctx, envelope(wire.KindP2P, p))
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

// --- Pub/Sub ---------------------------------------------------------------

// Subscribe registers handler as a local tell-style subscriber of topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler func(payload []byte, sourceID string)) {
	if b.subs.AddLocal(topic, handler) {
		b.propagateSubChange(ctx, topic, true)
	}
}

// SubscribeAsk registers handler as a local ask-style subscriber of topic:
// a broadcast ask fans out to it synchronously and collects its result.
func (b *Bus) SubscribeAsk(ctx context.Context, topic string, handler AskHandler) {
	if b.subs.AddLocalAsk(topic, handler) {
		b.propagateSubChange(ctx, topic, true)
	}
}

// Publish broadcasts payload on topic, fire-and-forget (§4.3.4).
func (b *Bus) Publish(ctx context.Context, sourceID, topic string, payload []byte, loopback bool) {
	b.forwardBroadcast(ctx, nil, wire.Broadcast{SourceID: sourceID, Topic: topic, Loopback: loopback, Payload: payload})
}

func (b *Bus) forwardBroadcast(ctx context.Context, arrivedFrom *Edge, bc wire.Broadcast) {
	deliverLocal := true
	if arrivedFrom == nil && !bc.Loopback {
		deliverLocal = false
	}
	if deliverLocal {
		for _, h := range b.subs.LocalHandlers(bc.Topic) {
			h(bc.Payload, bc.SourceID)
		}
	}
	for _, edge := range b.subs.Edges(bc.Topic) {
		if edge == arrivedFrom {
			continue
		}
		_ = edge.Send(ctx, envelope(wire.KindBroadcast, bc))
	}
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent != nil && parent != arrivedFrom {
		_ = parent.Send(ctx, envelope(wire.KindBroadcast, bc))
	}
}

func (b *Bus) handleBroadcast(ctx context.Context, source *Edge, bc wire.Broadcast) {
	if bc.AskCallID != "" {
		b.handleBroadcastAsk(ctx, source, bc)
		return
	}
	b.forwardBroadcast(ctx, source, bc)
}

// Ask opens a broadcast-ask session rooted at this bus and waits for every
// branch to close (§4.3.5).
func (b *Bus) Ask(ctx context.Context, sourceID, topic string, payload []byte) (BroadcastAskResult, error) {
	callID := uuid.NewString()
	session := b.startBroadcastAskSession(ctx, topic, payload, sourceID, nil, callID, nil)
	res, err := session.Wait(ctx)
	b.sessions.Terminate(callID, nil)
	return res, err
}

// handleBroadcastAsk implements the intermediate-bus branch of §4.3.5: this
// bus itself becomes a branch of an upstream session, and recursively opens
// its own child session over the edges it fans out to.
func (b *Bus) handleBroadcastAsk(ctx context.Context, source *Edge, bc wire.Broadcast) {
	var seqMu sync.Mutex
	seq := 0
	onResult := func(result json.RawMessage) {
		seqMu.Lock()
		seq++
		n := seq
		seqMu.Unlock()
		_ = source.Send(ctx, envelope(wire.KindAckResult, wire.AckResult{CallID: bc.AskCallID, ResultSeq: n, Result: result}))
	}
	session := b.startBroadcastAskSession(ctx, bc.Topic, bc.Payload, bc.SourceID, source, bc.AskCallID, onResult)

	go func() {
		res, err := session.Wait(context.Background())
		total := 0
		if err == nil {
			total = len(res.Results)
		}
		_ = source.Send(context.Background(), envelope(wire.KindAckFin, wire.AckFin{CallID: bc.AskCallID, TotalResults: total}))
		b.sessions.Terminate(bc.AskCallID, nil)
	}()
}

func (b *Bus) startBroadcastAskSession(ctx context.Context, topic string, payload []byte, sourceID string, excludeEdge *Edge, callID string, onResult func(json.RawMessage)) *BroadcastAskSession {
	edges := b.subs.Edges(topic)
	var branches []*Edge
	for _, e := range edges {
		if e == excludeEdge {
			continue
		}
		branches = append(branches, e)
	}
	session := NewBroadcastAskSession(callID, branches)
	session.OnResult = onResult
	b.sessions.Register(session)

	for _, h := range b.subs.LocalAskHandlers(topic) {
		result, err := h(payload, sourceID)
		if err == nil {
			session.AddLocalResult(result)
		}
	}

	bc := wire.Broadcast{SourceID: sourceID, Topic: topic, Payload: payload, AskCallID: callID}
	for _, e := range branches {
		_ = e.Send(ctx, envelope(wire.KindBroadcast, bc))
	}
	return session
}
