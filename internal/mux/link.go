package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// Link is the raw duplex carrier MUX multiplexes channels over (§6.1). It
// MUST preserve message boundaries and order; it MAY reject sends after Close.
// SendMessage's error return corresponds to the promise resolving once the
// Link has accepted the value for delivery — not on remote receipt.
type Link interface {
	SendMessage(ctx context.Context, v any) error
	OnMessage(handler func(raw json.RawMessage))
	OnClose(handler func(err error))
	Close() error
	Abort(err error)
}

// WSLink adapts a gorilla/websocket connection to the Link contract. This is
// the default production Link for cmd/goopmesh serve/dial, the same library
// the reference app uses for its Wails dev-server bridge.
type WSLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	onCloseFn func(error)

	onMessageFn func(json.RawMessage)
}

// NewWSLink wraps conn and starts the background read pump. Call OnMessage
// and OnClose before any messages can arrive is not required — handlers
// registered after messages start flowing simply miss earlier messages, the
// same caveat gorilla/websocket callers already accept.
func NewWSLink(conn *websocket.Conn) *WSLink {
	l := &WSLink{conn: conn}
	go l.readPump()
	return l
}

func (l *WSLink) readPump() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}
		l.closeMu.Lock()
		fn := l.onMessageFn
		l.closeMu.Unlock()
		if fn != nil {
			fn(json.RawMessage(data))
		}
	}
}

func (l *WSLink) fail(err error) {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	l.closeErr = err
	fn := l.onCloseFn
	l.closeMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *WSLink) SendMessage(ctx context.Context, v any) error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return fmt.Errorf("mux: link closed: %w", l.closeErr)
	}
	l.closeMu.Unlock()

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, b)
}

func (l *WSLink) OnMessage(handler func(json.RawMessage)) {
	l.closeMu.Lock()
	l.onMessageFn = handler
	l.closeMu.Unlock()
}

func (l *WSLink) OnClose(handler func(error)) {
	l.closeMu.Lock()
	l.onCloseFn = handler
	l.closeMu.Unlock()
}

func (l *WSLink) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return l.conn.Close()
}

func (l *WSLink) Abort(err error) {
	l.fail(err)
	_ = l.conn.Close()
}

// InProcLink is an in-memory Link pair backed by net.Pipe, grounded on the
// reference app's io.Pipe-based listener audio relay (internal/listen).
// Used by tests and by in-process bus peers that don't need a real socket.
type InProcLink struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	writeMu sync.Mutex

	closeMu   sync.Mutex
	closed    bool
	onCloseFn func(error)
	onMsgFn   func(json.RawMessage)

	readOnce sync.Once
}

// NewInProcLinkPair returns two Links, each the other's peer.
func NewInProcLinkPair() (*InProcLink, *InProcLink) {
	a, b := net.Pipe()
	return newInProcLink(a), newInProcLink(b)
}

func newInProcLink(conn net.Conn) *InProcLink {
	l := &InProcLink{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
	return l
}

func (l *InProcLink) startReading() {
	l.readOnce.Do(func() {
		go func() {
			for {
				var raw json.RawMessage
				if err := l.dec.Decode(&raw); err != nil {
					l.fail(err)
					return
				}
				l.closeMu.Lock()
				fn := l.onMsgFn
				l.closeMu.Unlock()
				if fn != nil {
					fn(raw)
				}
			}
		}()
	})
}

func (l *InProcLink) fail(err error) {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	fn := l.onCloseFn
	l.closeMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *InProcLink) SendMessage(ctx context.Context, v any) error {
	l.closeMu.Lock()
	closed := l.closed
	l.closeMu.Unlock()
	if closed {
		return fmt.Errorf("mux: link closed")
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.enc.Encode(v)
}

func (l *InProcLink) OnMessage(handler func(json.RawMessage)) {
	l.closeMu.Lock()
	l.onMsgFn = handler
	l.closeMu.Unlock()
	l.startReading()
}

func (l *InProcLink) OnClose(handler func(error)) {
	l.closeMu.Lock()
	l.onCloseFn = handler
	l.closeMu.Unlock()
}

func (l *InProcLink) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()
	return l.conn.Close()
}

func (l *InProcLink) Abort(err error) {
	l.fail(err)
	_ = l.conn.Close()
}
