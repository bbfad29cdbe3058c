package erpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/petervdpas/goopmesh/internal/xerrors"
)

// streamBufferCapacity bounds how many undelivered chunks a Stream buffers
// before its producer side suspends (§4.2 "a bounded circular buffer with
// direct hand-off when both sides are already waiting").
const streamBufferCapacity = 64

// Stream is one tunneled producer/consumer channel identified by a streamId
// placeholder (§4.2.2 TypeStream). It is safe for one producer and one
// consumer goroutine to use concurrently.
//
// Grounded on internal/listen/manager.go's io.Pipe-backed listener, adapted
// from an unbounded byte pipe to a bounded chunk queue with JSON chunks
// instead of bytes, since eRPC streams carry already-serialized values
// rather than raw byte streams.
type Stream struct {
	id string

	mu     sync.Mutex
	buf    []json.RawMessage
	ended  bool
	abortErr error

	notEmpty chan struct{}
	notFull  chan struct{}
}

func newStream(id string) *Stream {
	s := &Stream{
		id:       id,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
	return s
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push enqueues one chunk, suspending the caller if the buffer is full.
// Direct hand-off: if a consumer is already blocked on Next, the data moves
// straight through without sitting in the buffer for more than an instant.
func (s *Stream) push(ctx context.Context, chunk json.RawMessage) error {
	for {
		s.mu.Lock()
		if s.ended || s.abortErr != nil {
			s.mu.Unlock()
			return xerrors.New(xerrors.CodeBufferClosed, "stream already ended")
		}
		if len(s.buf) < streamBufferCapacity {
			s.buf = append(s.buf, chunk)
			s.mu.Unlock()
			s.signal(s.notEmpty)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.notFull:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next blocks until a chunk is available, the stream ends, or it's aborted.
// The second return is false once the stream is drained and ended.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, bool, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			chunk := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			s.signal(s.notFull)
			return chunk, true, nil
		}
		if s.abortErr != nil {
			err := s.abortErr
			s.mu.Unlock()
			return nil, false, err
		}
		if s.ended {
			s.mu.Unlock()
			return nil, false, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notEmpty:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (s *Stream) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal(s.notEmpty)
}

func (s *Stream) abort(err error) {
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.mu.Unlock()
	s.signal(s.notEmpty)
	s.signal(s.notFull)
}

// StreamManager tracks live Streams by id on one Node.
type StreamManager struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamManager() *StreamManager {
	return &StreamManager{streams: make(map[string]*Stream)}
}

func (m *StreamManager) Create() *Stream {
	return m.CreateWithID(newStreamID())
}

func (m *StreamManager) CreateWithID(id string) *Stream {
	s := newStream(id)
	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()
	return s
}

func (m *StreamManager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

func (m *StreamManager) drop(id string) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Push delivers one incoming chunk to the named stream.
func (m *StreamManager) Push(ctx context.Context, id string, chunk json.RawMessage) {
	if s, ok := m.Get(id); ok {
		_ = s.push(ctx, chunk)
	}
}

func (m *StreamManager) End(id string) {
	if s, ok := m.Get(id); ok {
		s.end()
	}
	m.drop(id)
}

func (m *StreamManager) Abort(id string, err error) {
	if s, ok := m.Get(id); ok {
		s.abort(err)
	}
	m.drop(id)
}

// AbortAll aborts every live stream with err and drops them from the
// registry, for use when the host transport closes (§5 Cancellation:
// "buffered stream payloads are delivered if already queued, then the
// stream ends with the reason"). Stream.abort already preserves that
// ordering — Next drains whatever is buffered before it ever observes
// abortErr — so this just fans the same abort out to every stream at once.
func (m *StreamManager) AbortAll(err error) {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.abort(err)
	}
}
