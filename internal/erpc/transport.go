package erpc

import (
	"context"
	"encoding/json"

	"github.com/petervdpas/goopmesh/internal/mux"
)

// ChannelLike is the subset of mux.Channel's API a Transport's control and
// stream channels expose. It exists so a synthesized ProxyTransport
// (§4.2.4) can stand in for a real MUX channel without needing its own
// *mux.Channel instance.
type ChannelLike interface {
	Send(ctx context.Context, payload any) error
	OnData(h func(payload json.RawMessage))
	OnceData(h func(payload json.RawMessage))
	Close(reason string) error
}

// Transport is the contract eRPC builds on (§6.2): one control channel plus
// an open-ended supply of stream channels, over something that can be
// closed or aborted. A *mux.Mux satisfies this via the MuxTransport adapter
// below; a tunneled nested transport satisfies it via ProxyTransport.
type Transport interface {
	ControlChannel() ChannelLike
	OpenOutgoingStreamChannel(ctx context.Context) (ChannelLike, error)
	OnIncomingStreamChannel(h func(ChannelLike))
	OnClose(h func(error))
	Close() error
	Abort(err error)
}

// MuxTransport adapts a *mux.Mux to Transport. Go's interface satisfaction
// is not covariant on return types, so *mux.Mux (whose methods return the
// concrete *mux.Channel) cannot satisfy Transport directly; this thin shim
// does the conversion.
type MuxTransport struct {
	M *mux.Mux
}

func NewMuxTransport(m *mux.Mux) *MuxTransport { return &MuxTransport{M: m} }

func (t *MuxTransport) ControlChannel() ChannelLike { return t.M.ControlChannel() }

func (t *MuxTransport) OpenOutgoingStreamChannel(ctx context.Context) (ChannelLike, error) {
	ch, err := t.M.OpenOutgoingStreamChannel(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *MuxTransport) OnIncomingStreamChannel(h func(ChannelLike)) {
	t.M.OnIncomingStreamChannel(func(ch *mux.Channel) { h(ch) })
}

func (t *MuxTransport) OnClose(h func(error)) { t.M.OnClose(h) }
func (t *MuxTransport) Close() error          { return t.M.Close() }
func (t *MuxTransport) Abort(err error)       { t.M.Abort(err) }
