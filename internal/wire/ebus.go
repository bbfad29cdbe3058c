package wire

import "encoding/json"

// EnvelopeKind discriminates the eBUS envelope union that sits inside an
// eRPC Ask/Tell payload (§6.3).
type EnvelopeKind string

const (
	KindP2P              EnvelopeKind = "p2p"
	KindBroadcast        EnvelopeKind = "broadcast"
	KindStream           EnvelopeKind = "stream"
	KindSubUpdate        EnvelopeKind = "sub-update"
	KindSubUpdateResp    EnvelopeKind = "sub-update-response"
	KindNodeAnnouncement EnvelopeKind = "node-announcement"
	KindNodeAnnouncementResp EnvelopeKind = "node-announcement-response"
	KindHandshake        EnvelopeKind = "handshake"
	KindHandshakeResp    EnvelopeKind = "handshake-response"
	KindAckResult        EnvelopeKind = "ack-result"
	KindAckFin           EnvelopeKind = "ack-fin"
)

// BusEnvelope is the outer shape every eBUS control message takes before
// being dispatched by Kind. All ids are strings per §6.3 ("all numeric ids
// are strings except MUX channel ids and seq numbers").
type BusEnvelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// P2PPayloadKind discriminates what's inside a P2P envelope's payload.
type P2PPayloadKind string

const (
	P2PAsk      P2PPayloadKind = "ask"
	P2PTell     P2PPayloadKind = "tell"
	P2PResponse P2PPayloadKind = "response"
)

type P2P struct {
	SourceID      string          `json:"sourceId"`
	SourceGroups  []string        `json:"sourceGroups,omitempty"`
	DestinationID string          `json:"destinationId"`
	PayloadKind   P2PPayloadKind  `json:"payloadKind"`
	Payload       json.RawMessage `json:"payload"`
}

// P2PAskPayload is the Payload of a P2P envelope carrying PayloadKind ask.
type P2PAskPayload struct {
	CallID string          `json:"callId"`
	Path   string          `json:"path"`
	Args   json.RawMessage `json:"args"`
}

// P2PTellPayload is the Payload of a P2P envelope carrying PayloadKind tell.
type P2PTellPayload struct {
	Path string          `json:"path"`
	Args json.RawMessage `json:"args"`
}

// P2PAskResult is the response payload sent back on unresolvable
// destinations (§4.3.3) or successful ask completion — carried as a P2P
// envelope's Payload with PayloadKind response.
type P2PAskResult struct {
	CallID  string          `json:"callId"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type Broadcast struct {
	SourceID     string          `json:"sourceId"`
	SourceGroups []string        `json:"sourceGroups,omitempty"`
	Topic        string          `json:"topic"`
	Loopback     bool            `json:"loopback,omitempty"`
	Payload      json.RawMessage `json:"payload"`

	// AskCallID is set when this broadcast opens a broadcast-ask session
	// (§4.3.5); empty for a plain broadcast tell.
	AskCallID string `json:"askCallId,omitempty"`
}

// AckResult/AckFin are the broadcast-ask session protocol messages (§4.3.5).
// They travel as Broadcast.Payload-adjacent control frames on the same
// control channel, keyed by CallID rather than a topic.
type AckResult struct {
	CallID    string          `json:"callId"`
	ResultSeq int             `json:"resultSeq"`
	Result    json.RawMessage `json:"result"`
}

type AckFin struct {
	CallID      string `json:"callId"`
	TotalResults int   `json:"totalResults"`
}

type SubUpdateEntry struct {
	Topic       string `json:"topic"`
	IsSubscribed bool  `json:"isSubscribed"`
}

type SubUpdate struct {
	CorrelationID string           `json:"correlationId"`
	Updates       []SubUpdateEntry `json:"updates"`
}

type SubUpdateResponse struct {
	CorrelationID string            `json:"correlationId"`
	Errors        map[string]string `json:"errors,omitempty"`
}

type Announcement struct {
	NodeID      string   `json:"nodeId"`
	IsAvailable bool     `json:"isAvailable"`
	Groups      []string `json:"groups,omitempty"`
}

type NodeAnnouncement struct {
	CorrelationID string         `json:"correlationId"`
	Announcements []Announcement `json:"announcements"`
}

type NodeAnnouncementResponse struct {
	CorrelationID string `json:"correlationId"`
}

type Handshake struct {
	CorrelationID string `json:"correlationId"`
	BusID         string `json:"busId"`
}

type HandshakeResponse struct {
	CorrelationID string `json:"correlationId"`
	BusID         string `json:"busId"`
}
