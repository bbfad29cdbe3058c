package erpc

// Feature is one independently-constructed piece of a Node's capability bag
// (§4.2 "composition is a small ordered list of features, each contributing
// to a shared capability bag through a two-phase contribute/init so no two
// features need a cyclic reference to each other"). A Node builds each
// feature bottom-up — leaves (pins, streams) before the things that depend
// on them (the tunnel manager needs the host Transport; the router needs
// nothing) — then tears them down in reverse order on Close.
// Close receives the same error Node.handleTransportClose fails pending
// asks with, so a feature that holds things waiting on the connection
// (streams, tunnels) can fail them with that same reason rather than
// leaving them blocked forever.
type Feature interface {
	Name() string
	Close(err error) error
}

type pinFeature struct{ pins *PinManager }

func (f *pinFeature) Name() string          { return "pins" }
func (f *pinFeature) Close(err error) error { return nil }

// streamFeature tears down every Stream still open on this Node when the
// Node closes (§5 Cancellation), rather than leaving consumers blocked in
// Next forever.
type streamFeature struct{ streams *StreamManager }

func (f *streamFeature) Name() string { return "streams" }
func (f *streamFeature) Close(err error) error {
	f.streams.AbortAll(err)
	return nil
}

// tunnelFeature destroys every bridge/proxy this Node's TunnelManager holds
// when the Node closes (§4.2.4 "closure of the host transport destroys
// every bridge ... and every proxy").
type tunnelFeature struct{ tunnels *TunnelManager }

func (f *tunnelFeature) Name() string          { return "tunnels" }
func (f *tunnelFeature) Close(err error) error { return f.tunnels.Close(err) }

type routerFeature struct{ router *Router }

func (f *routerFeature) Name() string          { return "router" }
func (f *routerFeature) Close(err error) error { return nil }

// closeFeatures runs Close on every feature in reverse build order, so a
// feature is never torn down before something built after it (and depending
// on it) has had a chance to unwind.
func closeFeatures(features []Feature, err error) {
	for i := len(features) - 1; i >= 0; i-- {
		_ = features[i].Close(err)
	}
}
