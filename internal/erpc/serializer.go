package erpc

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
)

// maxSerializeDepth bounds recursive placeholder walking (§4.2.2: "a depth
// limit" on the recursive decode).
const maxSerializeDepth = 32

// LocalPin, LocalStream, and LocalTunnelRef are the values application code
// embeds inside ask/tell arguments or results to hand a local resource
// across the wire. The serializer replaces them with a wire.Placeholder at
// any nesting depth; the receiving side gets back a RemotePin/RemoteStream/
// RemoteTunnelRef standing in for the same resource.
type LocalPin struct{ ID string }
type LocalStream struct{ ID string }
type LocalTunnelRef struct{ ID string }

type RemotePin struct{ ID string }
type RemoteStream struct {
	ID      string
	streams *StreamManager
}
type RemoteTunnelRef struct{ ID string }

// Chunks returns the underlying Stream for a decoded RemoteStream handle, so
// a procedure implementation can read it with Stream.Next.
func (r RemoteStream) Chunks() (*Stream, bool) {
	if r.streams == nil {
		return nil, false
	}
	return r.streams.Get(r.ID)
}

// Serializer converts between Go values and the wire representation used in
// Ask/Tell args and AskResult results, replacing pinned/streamed/tunneled
// resources with placeholders in one direction and live handles in the
// other (§4.2.2).
//
// Grounded on internal/mq/protocol.go's "decode Type field first, then the
// matching payload" idiom, generalized here to a recursive walk since
// placeholders can appear nested inside arbitrary JSON structure rather than
// only at the top level of a message.
type Serializer struct {
	pins    *PinManager
	streams *StreamManager
}

func NewSerializer(pins *PinManager, streams *StreamManager) *Serializer {
	return &Serializer{pins: pins, streams: streams}
}

// Encode marshals v to JSON, first walking it to rewrite any LocalPin,
// LocalStream, or LocalTunnelRef found (at any depth, inside maps/slices)
// into its wire.Placeholder form.
func (s *Serializer) Encode(v any) (json.RawMessage, error) {
	rewritten, err := s.encodeWalk(v, 0)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rewritten)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerializationError, "marshal encoded value", err)
	}
	return raw, nil
}

func (s *Serializer) encodeWalk(v any, depth int) (any, error) {
	if depth > maxSerializeDepth {
		return nil, xerrors.New(xerrors.CodeSerializationError, "value nesting exceeds depth limit")
	}
	switch t := v.(type) {
	case LocalPin:
		return wire.Placeholder{Type: wire.TypePin, PinID: t.ID}, nil
	case *LocalPin:
		return wire.Placeholder{Type: wire.TypePin, PinID: t.ID}, nil
	case LocalStream:
		return wire.Placeholder{Type: wire.TypeStream, StreamID: t.ID}, nil
	case *LocalStream:
		return wire.Placeholder{Type: wire.TypeStream, StreamID: t.ID}, nil
	case LocalTunnelRef:
		return wire.Placeholder{Type: wire.TypeTransportTunnel, TunnelID: t.ID}, nil
	case *LocalTunnelRef:
		return wire.Placeholder{Type: wire.TypeTransportTunnel, TunnelID: t.ID}, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			rewritten, err := s.encodeWalk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rewritten
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			rewritten, err := s.encodeWalk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	default:
		return v, nil
	}
}

// Decode unmarshals raw into a generic value (map[string]any / []any /
// scalars), then walks the result replacing any wire.Placeholder object at
// any nesting depth with the corresponding Remote handle.
func (s *Serializer) Decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerializationError, "unmarshal value", err)
	}
	return s.decodeWalk(generic, 0)
}

func (s *Serializer) decodeWalk(v any, depth int) (any, error) {
	if depth > maxSerializeDepth {
		return nil, xerrors.New(xerrors.CodeSerializationError, "value nesting exceeds depth limit")
	}
	switch t := v.(type) {
	case map[string]any:
		if rawType, ok := t["_erpc_type"]; ok {
			typeName, _ := rawType.(string)
			return s.decodePlaceholder(typeName, t)
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			rewritten, err := s.decodeWalk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rewritten
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			rewritten, err := s.decodeWalk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	default:
		return v, nil
	}
}

func (s *Serializer) decodePlaceholder(typeName string, obj map[string]any) (any, error) {
	switch typeName {
	case wire.TypePin:
		id, _ := obj["pinId"].(string)
		return RemotePin{ID: id}, nil
	case wire.TypeStream:
		id, _ := obj["streamId"].(string)
		return RemoteStream{ID: id, streams: s.streams}, nil
	case wire.TypeTransportTunnel:
		id, _ := obj["tunnelId"].(string)
		return RemoteTunnelRef{ID: id}, nil
	default:
		return nil, xerrors.New(xerrors.CodeUnknownPlaceholder, fmt.Sprintf("unrecognized _erpc_type %q", typeName))
	}
}
