package erpc

import "testing"

func TestSerializerPinRoundTrip(t *testing.T) {
	s := NewSerializer(NewPinManager(), NewStreamManager())

	raw, err := s.Encode(map[string]any{"thing": LocalPin{ID: "pin-1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := s.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := decoded.(map[string]any)
	pin, ok := m["thing"].(RemotePin)
	if !ok {
		t.Fatalf("expected RemotePin, got %T", m["thing"])
	}
	if pin.ID != "pin-1" {
		t.Fatalf("got id %q", pin.ID)
	}
}

func TestSerializerNestedPlaceholder(t *testing.T) {
	s := NewSerializer(NewPinManager(), NewStreamManager())

	raw, err := s.Encode(map[string]any{
		"outer": []any{
			map[string]any{"inner": LocalStream{ID: "stream-1"}},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := s.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := decoded.(map[string]any)
	outer := m["outer"].([]any)
	inner := outer[0].(map[string]any)
	rs, ok := inner["inner"].(RemoteStream)
	if !ok {
		t.Fatalf("expected RemoteStream, got %T", inner["inner"])
	}
	if rs.ID != "stream-1" {
		t.Fatalf("got id %q", rs.ID)
	}
}

func TestSerializerDepthLimit(t *testing.T) {
	s := NewSerializer(NewPinManager(), NewStreamManager())

	var v any = LocalPin{ID: "deep"}
	for i := 0; i < maxSerializeDepth+5; i++ {
		v = map[string]any{"next": v}
	}
	if _, err := s.Encode(v); err == nil {
		t.Fatal("expected depth limit error")
	}
}

func TestSerializerUnknownPlaceholderType(t *testing.T) {
	s := NewSerializer(NewPinManager(), NewStreamManager())
	raw := []byte(`{"_erpc_type":"not-a-real-type"}`)
	if _, err := s.Decode(raw); err == nil {
		t.Fatal("expected unknown placeholder error")
	}
}

func TestRemoteStreamChunksResolvesLiveStream(t *testing.T) {
	streams := NewStreamManager()
	stream := streams.Create()

	rs := RemoteStream{ID: stream.ID(), streams: streams}
	got, ok := rs.Chunks()
	if !ok {
		t.Fatal("expected live stream to resolve")
	}
	if got != stream {
		t.Fatal("expected same stream instance")
	}
}
