package main

import (
	"context"
	"encoding/json"

	"github.com/petervdpas/goopmesh/internal/ebus"
	"github.com/petervdpas/goopmesh/internal/erpc"
	"github.com/petervdpas/goopmesh/internal/mux"
	"go.uber.org/zap"
)

// wireChild builds an erpc.Node over m and attaches it to bus as a child
// edge labeled label, registering the "_ebus.envelope" procedure and the
// connection-dropped hook before returning. Used by serve for every
// inbound connection it accepts (each peer is, from this bus's point of
// view, a child).
func wireChild(bus *ebus.Bus, m *mux.Mux, label string, log *zap.SugaredLogger) *erpc.Node {
	router := erpc.NewRouter()
	var edge *ebus.Edge

	router.Register(ebus.EnvelopeProcedure, func(ctx erpc.CallContext, args json.RawMessage) (any, error) {
		return nil, bus.Dispatch(ctx, edge, args)
	})

	node := erpc.NewNode(m, router, log)
	edge = bus.AttachChild(label, node)

	m.OnClose(func(err error) {
		bus.HandleConnectionDropped(context.Background(), edge)
	})
	return node
}

// wireParent builds an erpc.Node over m and attaches it to bus as the
// parent edge, returning both the node and the edge so the caller can drive
// Bus.Handshake over it. Used by dial, which always connects upward to an
// existing bus as a new child of that remote bus.
func wireParent(bus *ebus.Bus, m *mux.Mux, log *zap.SugaredLogger) (*erpc.Node, *ebus.Edge) {
	router := erpc.NewRouter()
	var edge *ebus.Edge

	router.Register(ebus.EnvelopeProcedure, func(ctx erpc.CallContext, args json.RawMessage) (any, error) {
		return nil, bus.Dispatch(ctx, edge, args)
	})

	node := erpc.NewNode(m, router, log)
	edge = bus.AttachParent(node)

	m.OnClose(func(err error) {
		bus.HandleConnectionDropped(context.Background(), edge)
	})
	return node, edge
}
