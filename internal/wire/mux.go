// Package wire defines the JSON-shaped values exchanged by MUX, eRPC, and
// eBUS (§4.1, §4.2.1, §6.3). Types here are pure data — no behavior — mirroring
// the reference app's internal/proto package (PresenceMsg, protocol-id
// constants, NowMillis) and internal/mq/protocol.go's discriminated MQMsg/MQAck
// shape: a "type" field selects which concrete payload follows.
package wire

import (
	"encoding/json"
	"time"
)

// PacketType discriminates the MUX packet union (§4.1 table).
type PacketType string

const (
	PacketPing           PacketType = "ping"
	PacketPong           PacketType = "pong"
	PacketOpenStream     PacketType = "open-stream"
	PacketOpenStreamAck  PacketType = "open-stream-ack"
	PacketData           PacketType = "data"
	PacketAck            PacketType = "ack"
	PacketCloseChannel   PacketType = "close-channel"
)

// Packet is the wire envelope for every MUX frame. Only the fields relevant
// to Type are populated; the rest stay at their zero value and are omitted.
type Packet struct {
	Type      PacketType      `json:"type"`
	ChannelID uint32          `json:"channelId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// NowMillis mirrors the reference app's internal/proto.NowMillis — a single
// source of truth for wire timestamps so every subsystem stamps the same way.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
