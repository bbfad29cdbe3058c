package ebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/petervdpas/goopmesh/internal/wire"
	"github.com/petervdpas/goopmesh/internal/xerrors"
	"golang.org/x/sync/errgroup"
)

// Session is the polymorphic unit the SessionManager tracks (§4.4). The
// manager never inspects a session's internals — it only forwards one of
// these three events.
type Session interface {
	ID() string
	Update(message any, source *Edge)
	HandleDownstreamDisconnect(source *Edge)
	Terminate(err error)
}

// SessionManager is the single per-bus registry of §4.4: sessionId →
// Session, with atomic register/terminate-and-remove and a disconnect/
// shutdown fan-out.
//
// Grounded on internal/call/manager.go's sessionId→*Session map with a
// wrapped hang-up that both tears the session down and deregisters it in
// one step.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]Session)}
}

// Register adds s, wrapping nothing itself — callers use Terminate(id, err)
// rather than calling s.Terminate directly, so removal stays atomic with
// termination.
func (m *SessionManager) Register(s Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
}

func (m *SessionManager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Terminate removes id from the registry and terminates it with err, in
// that order, so a concurrent lookup never observes a session that's mid-
// termination but still registered.
func (m *SessionManager) Terminate(id string, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Terminate(err)
	}
}

// HandleDownstreamDisconnect fans source's disconnection out to every live
// session (§4.4 "on connectionDropped(source) from the bridge manager,
// every session's handleDownstreamDisconnect(source) is invoked"). Sessions
// are independent of each other, so the fan-out runs them concurrently via
// errgroup rather than one at a time; a session that panics while handling
// this is terminated with the panic's error (or a LinkClosed error naming a
// non-error panic value) rather than taking the fan-out down with it (§7
// "never blocks").
func (m *SessionManager) HandleDownstreamDisconnect(source *Edge) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			m.safeDisconnect(s, source)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *SessionManager) safeDisconnect(s Session, source *Edge) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = xerrors.New(xerrors.CodeLinkClosed, fmt.Sprintf("session panicked handling downstream disconnect: %v", r))
			}
			m.Terminate(s.ID(), err)
		}
	}()
	s.HandleDownstreamDisconnect(source)
}

// Shutdown terminates every session with err (§4.4 "closes all sessions on
// bus shutdown with a shutdown error").
func (m *SessionManager) Shutdown(err error) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Terminate(err)
	}
}

// BroadcastAskResult is what a broadcast ask's collector ultimately
// resolves to: every result received, in arrival order, plus (per the
// Broadcast-ask totality invariant's carve-out for disconnected branches)
// whether any branch was cut short and which ones.
type BroadcastAskResult struct {
	Results         []json.RawMessage
	Truncated       bool
	MissingBranches []string
}

type branchState struct {
	closed  bool
	dropped bool
	total   *int
}

// BroadcastAskSession implements the fan-out/collection protocol of §4.3.5.
// Each downstream edge the originating ask fanned out to is a branch,
// closed either by an ack_fin (with the branch's own total result count) or
// by a connectionDropped on that edge.
type BroadcastAskSession struct {
	id string

	mu       sync.Mutex
	branches map[*Edge]*branchState
	results  []json.RawMessage
	err      error

	// OnResult, when set before the session starts receiving results, is
	// invoked synchronously for each result as it arrives — used by an
	// intermediate bus to forward results upstream as they arrive rather
	// than batching until the whole session closes (§4.3.5 "a bus
	// participating in a fan-out opens a child session that forwards
	// results upstream as they arrive").
	OnResult func(json.RawMessage)

	done     chan struct{}
	doneOnce sync.Once
}

func NewBroadcastAskSession(id string, branchEdges []*Edge) *BroadcastAskSession {
	s := &BroadcastAskSession{
		id:       id,
		branches: make(map[*Edge]*branchState, len(branchEdges)),
		done:     make(chan struct{}),
	}
	for _, e := range branchEdges {
		s.branches[e] = &branchState{}
	}
	if len(branchEdges) == 0 {
		close(s.done)
	}
	return s
}

func (s *BroadcastAskSession) ID() string { return s.id }

// AddLocalResult appends a result produced synchronously by a local
// ask-subscriber, invoked before any remote branch is fanned out to (§4.3.4
// "local delivery iterates all local subscribers ... in registration
// order").
func (s *BroadcastAskSession) AddLocalResult(result json.RawMessage) {
	s.mu.Lock()
	s.results = append(s.results, result)
	onResult := s.OnResult
	s.mu.Unlock()
	if onResult != nil {
		onResult(result)
	}
}

// Update applies one AckResult or AckFin arriving from source.
func (s *BroadcastAskSession) Update(message any, source *Edge) {
	switch m := message.(type) {
	case *wire.AckResult:
		s.mu.Lock()
		s.results = append(s.results, m.Result)
		onResult := s.OnResult
		s.mu.Unlock()
		if onResult != nil {
			onResult(m.Result)
		}
	case *wire.AckFin:
		s.mu.Lock()
		if b, ok := s.branches[source]; ok && !b.closed {
			total := m.TotalResults
			b.total = &total
			b.closed = true
		}
		s.checkDoneLocked()
		s.mu.Unlock()
	}
}

func (s *BroadcastAskSession) HandleDownstreamDisconnect(source *Edge) {
	s.mu.Lock()
	if b, ok := s.branches[source]; ok && !b.closed {
		b.closed = true
		b.dropped = true
	}
	s.checkDoneLocked()
	s.mu.Unlock()
}

func (s *BroadcastAskSession) checkDoneLocked() {
	for _, b := range s.branches {
		if !b.closed {
			return
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *BroadcastAskSession) Terminate(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Wait blocks until every branch has closed (or the session was terminated
// early), then returns the collected result.
func (s *BroadcastAskSession) Wait(ctx context.Context) (BroadcastAskResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return BroadcastAskResult{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return BroadcastAskResult{}, s.err
	}
	var missing []string
	for e, b := range s.branches {
		if b.dropped {
			missing = append(missing, edgeLabel(e))
		}
	}
	return BroadcastAskResult{
		Results:         s.results,
		Truncated:       len(missing) > 0,
		MissingBranches: missing,
	}, nil
}

func edgeLabel(e *Edge) string {
	switch e.Kind {
	case SourceChild:
		return "child:" + e.ChildBusID
	case SourceParent:
		return "parent"
	default:
		return "local:" + e.NodeID
	}
}
