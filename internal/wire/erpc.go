package wire

import "encoding/json"

// CallMessageType discriminates the eRPC control-channel message union (§4.2.1).
type CallMessageType string

const (
	MsgAsk         CallMessageType = "ask"
	MsgAskResult   CallMessageType = "ask-result"
	MsgTell        CallMessageType = "tell"
	MsgPinFree     CallMessageType = "pin-free"
	MsgStreamData  CallMessageType = "stream-data"
	MsgStreamEnd   CallMessageType = "stream-end"
	MsgStreamAbort CallMessageType = "stream-abort"
	MsgTunnel      CallMessageType = "tunnel"
	MsgStreamTunnel CallMessageType = "stream-tunnel"
)

// Envelope is the outer shape of every eRPC control-channel message: a type
// discriminant plus a raw payload decoded a second time once Type is known.
// Grounded on internal/mq/protocol.go's MQMsg/MQAck "decode Type first" idiom.
type Envelope struct {
	Type    CallMessageType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Ask is sent by a caller to invoke a remote procedure and expects exactly
// one AskResult in response.
type Ask struct {
	CallID string          `json:"callId"`
	Path   string          `json:"path"`
	Args   json.RawMessage `json:"args"`
	Meta   map[string]any  `json:"meta,omitempty"`
}

// AskResult carries either Ok(data) or Err(serialized error).
type AskResult struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *WireError      `json:"err,omitempty"`
}

// WireError is the serialized shape of an xerrors.Error (see xerrors.Wire).
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
}

// Tell is fire-and-forget: no response is ever sent.
type Tell struct {
	Path string          `json:"path"`
	Args json.RawMessage `json:"args"`
	Meta map[string]any  `json:"meta,omitempty"`
}

// PinFree decrements a remote pin's ref count; the target is released at 0.
type PinFree struct {
	PinID string `json:"pinId"`
}

// StreamData carries one chunk of a tunneled producer/consumer stream.
type StreamData struct {
	StreamID string          `json:"streamId"`
	Chunk    json.RawMessage `json:"chunk"`
}

type StreamEnd struct {
	StreamID string `json:"streamId"`
}

type StreamAbort struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"`
}

// Tunnel is an opaque relay envelope for a nested Transport's own control
// messages (§4.2.4) — the host forwards Payload to the TunnelManager without
// parsing it further.
type Tunnel struct {
	TunnelID string          `json:"tunnelId"`
	Payload  json.RawMessage `json:"payload"`
}

// TunnelEndpoint identifies which side of a tunnel a StreamTunnel targets.
type TunnelEndpoint string

const (
	EndpointInitiator TunnelEndpoint = "initiator"
	EndpointReceiver  TunnelEndpoint = "receiver"
)

// StreamTunnel handshakes a fresh host stream channel as belonging to a
// bridged or proxied nested transport's own stream-channel namespace (§4.2.4
// step 5).
type StreamTunnel struct {
	TunnelID       string         `json:"tunnelId"`
	StreamID       string         `json:"streamId"`
	TargetEndpoint TunnelEndpoint `json:"targetEndpoint"`
}

// Placeholder tags recognized by the serializer (§4.2.2).
const (
	TypePin            = "pin"
	TypeStream         = "stream"
	TypeTransportTunnel = "transport_tunnel"
)

// Placeholder is the on-the-wire shape every non-scalar resource collapses
// to. Deserialization dispatches on Type; an unrecognized Type is a hard
// error (§4.2.2).
type Placeholder struct {
	Type      string `json:"_erpc_type"`
	PinID     string `json:"pinId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Direction string `json:"direction,omitempty"`
	TunnelID  string `json:"tunnelId,omitempty"`
}
