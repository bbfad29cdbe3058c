// Package ebus implements the hierarchical Pub/Sub and P2P routing bus of
// §4.3: a tree of buses, each with at most one parent and any number of
// children, federating locally-hosted eRPC nodes with adjacent buses.
//
// Grounded on internal/p2p/host.go's libp2p pubsub topic-join/publish
// wrapper for the Pub/Sub half, and internal/rendezvous/client.go's
// correlationId request/response matching for the handshake/sub-update/
// node-announcement protocol.
package ebus

import (
	"context"
	"sync/atomic"

	"github.com/petervdpas/goopmesh/internal/wire"
)

// NodeState is a locally-hosted node's lifecycle state (§3 Node: `state ∈
// {joining, ready, leaving}`). Only ready nodes accept P2P dispatch; joining
// and leaving both reject it with ProcedureNotReady — joining because the
// node isn't finished initializing, leaving because it's draining.
type NodeState int32

const (
	NodeJoining NodeState = iota
	NodeReady
	NodeLeaving
)

func (s NodeState) String() string {
	switch s {
	case NodeJoining:
		return "joining"
	case NodeReady:
		return "ready"
	case NodeLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// SourceKind distinguishes the three MessageSource variants of §4.3.1.
type SourceKind int

const (
	SourceLocal SourceKind = iota
	SourceChild
	SourceParent
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceChild:
		return "child"
	case SourceParent:
		return "parent"
	default:
		return "unknown"
	}
}

// routeCost orders tie-breaks in the P2P table: local beats child beats
// parent (§4.3.2 "ties prefer a lower-cost edge in the order local < child <
// parent").
func (k SourceKind) routeCost() int {
	switch k {
	case SourceLocal:
		return 0
	case SourceChild:
		return 1
	default:
		return 2
	}
}

// LocalNode is the subset of erpc.Node a Bus needs to dispatch P2P/broadcast
// traffic to a locally-hosted node, kept narrow so ebus doesn't import erpc
// types it doesn't use.
type LocalNode interface {
	Ask(ctx context.Context, path string, args any) (any, error)
	Tell(ctx context.Context, path string, args any) error
}

// EnvelopeSender forwards a raw BusEnvelope to whatever sits on the other
// side of a parent or child edge — in practice an erpc.Node's Tell to a
// well-known procedure path, kept abstract here for the same reason as
// LocalNode.
type EnvelopeSender interface {
	Tell(ctx context.Context, path string, args any) error
}

// Edge is one outgoing route a bus can forward traffic on: a locally-hosted
// node, or an adjacent bus reached over its own eRPC connection.
type Edge struct {
	Kind SourceKind

	// ChildBusID identifies which child this edge is, when Kind==SourceChild.
	// Unused for SourceLocal and SourceParent (a bus has at most one parent).
	ChildBusID string

	// NodeID identifies the locally-hosted node this edge reaches, when
	// Kind==SourceLocal.
	NodeID string

	// state is only meaningful when Kind==SourceLocal; child/parent edges
	// represent a whole adjacent bus, not one node, so they carry no state
	// of their own.
	state int32

	local  LocalNode
	sender EnvelopeSender
}

func newLocalEdge(nodeID string, node LocalNode) *Edge {
	e := &Edge{Kind: SourceLocal, NodeID: nodeID, local: node}
	e.setState(NodeReady)
	return e
}

// State returns a local edge's current lifecycle state. Always NodeReady
// for non-local edges.
func (e *Edge) State() NodeState {
	if e.Kind != SourceLocal {
		return NodeReady
	}
	return NodeState(atomic.LoadInt32(&e.state))
}

func (e *Edge) setState(s NodeState) {
	atomic.StoreInt32(&e.state, int32(s))
}

func newChildEdge(busID string, sender EnvelopeSender) *Edge {
	return &Edge{Kind: SourceChild, ChildBusID: busID, sender: sender}
}

func newParentEdge(sender EnvelopeSender) *Edge {
	return &Edge{Kind: SourceParent, sender: sender}
}

// EnvelopeProcedure is the well-known eRPC path a bus's control traffic rides
// on (§6.3). A host wiring a Bus onto a live erpc.Node registers this path
// with Bus.Dispatch so incoming envelopes reach the right bus and edge.
const EnvelopeProcedure = "_ebus.envelope"

// Send forwards env to whatever is on the other side of this edge. Local
// edges have no envelope transport — forwarding a BusEnvelope to a local
// edge is a programming error and is a no-op.
func (e *Edge) Send(ctx context.Context, env wire.BusEnvelope) error {
	if e.sender == nil {
		return nil
	}
	return e.sender.Tell(ctx, EnvelopeProcedure, env)
}
