package ebus

import "sync"

// P2PTable maps NodeId → the Edge to forward traffic to reach it (§4.3.2).
// First-heard-wins: once an entry exists, a later announcement for the same
// node id on a different edge replaces it only if that edge is strictly
// cheaper (§4.3.2's local < child < parent ordering); any other such
// announcement is rejected and counted as a routing conflict, its own
// counter for operational visibility.
//
// Grounded on internal/state/peers.go's mutex-guarded map[PeerID]*PeerInfo
// with TTL eviction, adapted here to edge-keyed entries with no TTL (an
// entry is removed explicitly on withdrawal, not by expiry).
type P2PTable struct {
	mu         sync.Mutex
	routes     map[string]*Edge
	nodeGroups map[string][]string
	conflicts  int
}

func NewP2PTable() *P2PTable {
	return &P2PTable{routes: make(map[string]*Edge), nodeGroups: make(map[string][]string)}
}

// Set records nodeID as reachable via edge, and its groups (§3 Node.groups)
// if any were given — used for the group-based ACL a dispatch checks
// against (§7 GroupPermissionDenied). Returns true if this changed the
// routing table itself (a new entry, or a cheaper edge replacing a costlier
// one); groups are recorded regardless, since a reannouncement may update a
// node's groups without its route changing.
func (t *P2PTable) Set(nodeID string, edge *Edge, groups []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(groups) > 0 {
		t.nodeGroups[nodeID] = groups
	}
	existing, ok := t.routes[nodeID]
	if !ok {
		t.routes[nodeID] = edge
		return true
	}
	if existing == edge {
		return false
	}
	if edge.Kind.routeCost() < existing.Kind.routeCost() {
		t.routes[nodeID] = edge
		return true
	}
	t.conflicts++
	return false
}

// Groups returns nodeID's last-announced groups, or nil if it was announced
// with none (meaning it is unrestricted — see groupsAllowed).
func (t *P2PTable) Groups(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeGroups[nodeID]
}

// Remove withdraws nodeID, returning true if it was present.
func (t *P2PTable) Remove(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[nodeID]; !ok {
		return false
	}
	delete(t.routes, nodeID)
	delete(t.nodeGroups, nodeID)
	return true
}

// RemoveEdge withdraws every node routed via edge (used when an edge's
// connection drops), returning the removed node ids.
func (t *P2PTable) RemoveEdge(edge *Edge) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for nodeID, e := range t.routes {
		if e == edge {
			delete(t.routes, nodeID)
			delete(t.nodeGroups, nodeID)
			removed = append(removed, nodeID)
		}
	}
	return removed
}

func (t *P2PTable) Lookup(nodeID string) (*Edge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.routes[nodeID]
	return e, ok
}

// snapshotLocal returns every currently-routed node whose edge is
// SourceLocal, for building a state-dump announcement.
func (t *P2PTable) snapshotLocal() map[string]*Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*Edge)
	for nodeID, e := range t.routes {
		if e.Kind == SourceLocal {
			out[nodeID] = e
		}
	}
	return out
}

// Conflicts reports how many routing conflicts (a later announcement for an
// already-routed node on a different edge that is not strictly cheaper) have
// been observed, answering
// the Open Question of what to do on a tie/conflict: accept first-heard,
// count the rest rather than silently discarding or erroring.
func (t *P2PTable) Conflicts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conflicts
}

// groupsAllowed implements the group-based ACL of §3's Node.groups and §7's
// GroupPermissionDenied: a destination with no announced groups is public
// (any source may reach it); a destination with groups requires the source
// to present at least one matching group.
func groupsAllowed(destGroups, sourceGroups []string) bool {
	if len(destGroups) == 0 {
		return true
	}
	for _, g := range sourceGroups {
		for _, want := range destGroups {
			if g == want {
				return true
			}
		}
	}
	return false
}

// SubscriptionTable maps Topic → the set of downstream edges with
// aggregated interest (§4.3.2). "Downstream" from this bus's perspective:
// local subscribers count as interest too, tracked separately so the bus
// can compute whether its own upstream interest changed.
type AskHandler func(payload []byte, sourceID string) ([]byte, error)

type SubscriptionTable struct {
	mu              sync.Mutex
	downstream      map[string]map[*Edge]struct{}
	localHandlers   map[string][]func(payload []byte, sourceID string)
	localAskHandlers map[string][]AskHandler
}

func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		downstream:       make(map[string]map[*Edge]struct{}),
		localHandlers:    make(map[string][]func(payload []byte, sourceID string)),
		localAskHandlers: make(map[string][]AskHandler),
	}
}

// AddLocalAsk registers h as a local ask-subscriber of topic: a broadcast
// ask fans out to it synchronously and collects its return value as one
// result, the same as it would a remote branch. Returns true if topic had
// zero total interest before this call.
func (t *SubscriptionTable) AddLocalAsk(topic string, h AskHandler) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasEmpty := t.totalInterestLocked(topic) == 0
	t.localAskHandlers[topic] = append(t.localAskHandlers[topic], h)
	return wasEmpty
}

func (t *SubscriptionTable) LocalAskHandlers(topic string) []AskHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.localAskHandlers[topic]
	out := make([]AskHandler, len(hs))
	copy(out, hs)
	return out
}

// AddDownstream records that edge has interest in topic. Returns true if
// this is the first interest recorded for topic from any source (local or
// downstream), meaning upstream interest just turned on.
func (t *SubscriptionTable) AddDownstream(topic string, edge *Edge) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasEmpty := t.totalInterestLocked(topic) == 0
	set, ok := t.downstream[topic]
	if !ok {
		set = make(map[*Edge]struct{})
		t.downstream[topic] = set
	}
	set[edge] = struct{}{}
	return wasEmpty
}

// RemoveDownstream withdraws edge's interest in topic. Returns true if this
// was the last interest in topic from any source, meaning upstream interest
// just turned off.
func (t *SubscriptionTable) RemoveDownstream(topic string, edge *Edge) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.downstream[topic]; ok {
		delete(set, edge)
		if len(set) == 0 {
			delete(t.downstream, topic)
		}
	}
	return t.totalInterestLocked(topic) == 0
}

// RemoveEdge withdraws edge's interest from every topic (used when its
// connection drops), returning the topics whose upstream interest just
// turned off as a result.
func (t *SubscriptionTable) RemoveEdge(edge *Edge) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var turnedOff []string
	for topic, set := range t.downstream {
		if _, ok := set[edge]; !ok {
			continue
		}
		delete(set, edge)
		if len(set) == 0 {
			delete(t.downstream, topic)
		}
		if t.totalInterestLocked(topic) == 0 {
			turnedOff = append(turnedOff, topic)
		}
	}
	return turnedOff
}

// AddLocal registers h as a local subscriber of topic, in call order.
// Returns true if topic had zero total interest before this call.
func (t *SubscriptionTable) AddLocal(topic string, h func(payload []byte, sourceID string)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasEmpty := t.totalInterestLocked(topic) == 0
	t.localHandlers[topic] = append(t.localHandlers[topic], h)
	return wasEmpty
}

// ClearLocal drops every local subscriber of topic (used by tests and by a
// full unsubscribe-all). Returns true if this left topic with zero total
// interest.
func (t *SubscriptionTable) ClearLocal(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.localHandlers, topic)
	return t.totalInterestLocked(topic) == 0
}

func (t *SubscriptionTable) totalInterestLocked(topic string) int {
	return len(t.downstream[topic]) + len(t.localHandlers[topic]) + len(t.localAskHandlers[topic])
}

// Edges returns every downstream edge with interest in topic, snapshotted.
func (t *SubscriptionTable) Edges(topic string) []*Edge {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.downstream[topic]
	out := make([]*Edge, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}

// LocalHandlers returns topic's local subscribers in registration order.
func (t *SubscriptionTable) LocalHandlers(topic string) []func(payload []byte, sourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.localHandlers[topic]
	out := make([]func(payload []byte, sourceID string), len(hs))
	copy(out, hs)
	return out
}
