package erpc

import (
	"context"
	"encoding/json"
)

// CallContext carries the context a dispatched procedure receives:
// cancellation, plus an OriginID field for the originating identity. Node's
// dispatch leaves OriginID empty: the call protocol carries no caller
// identity, so a procedure cannot tell who called it. Procedures that need to resolve a
// pinned, streamed, or tunneled argument call Resolve rather than
// json.Unmarshal directly, since placeholders need the owning Node's
// capability bag to turn into live handles.
type CallContext struct {
	context.Context
	OriginID string

	node *Node
}

// Resolve decodes raw (an Ask or Tell's Args) into a generic value, turning
// any embedded resource placeholder into the matching Remote handle
// (§4.2.2). Call sites that don't expect any resources in their arguments
// can skip this and json.Unmarshal raw directly into a concrete type
// instead.
func (c CallContext) Resolve(raw json.RawMessage) (any, error) {
	return c.node.serializer.Decode(raw)
}

// Handler is a registered procedure. It receives the deserialized argument
// list and returns a value to serialize into the ask-result, or an error.
type Handler func(ctx CallContext, args json.RawMessage) (any, error)

// Router is a flat path→handler registry (§4.2 design note: "An implementer
// may represent this as a recursive tagged union or as a flat path→handler
// registry; either is acceptable"). Paths are dot-separated, e.g. "a.b.c",
// matching client.a.b.c.ask(args) on the structural-proxy side.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds path to h. Registering the same path twice replaces the
// previous handler, matching how a router is typically rebuilt on plugin
// reload in the surrounding system (out of scope here, but the API shouldn't
// forbid it).
func (r *Router) Register(path string, h Handler) {
	r.handlers[path] = h
}

// Dispatch looks up the handler for path. The zero value, false is returned
// if nothing is registered there.
func (r *Router) Dispatch(path string) (Handler, bool) {
	h, ok := r.handlers[path]
	return h, ok
}
