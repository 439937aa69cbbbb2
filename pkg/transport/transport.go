// Package transport carries opaque binary messages to and from the base
// over a single WebSocket connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnect = errors.New("transport: connect failed")

// Kind is the frame type of an inbound message.
type Kind int

const (
	Binary Kind = iota
	Text
	Other
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	}
	return "other"
}

// Frame is one inbound message.
type Frame struct {
	Kind Kind
	Data []byte
}

// Transport is an ordered, full-duplex, message-framed connection. Send and
// Receive may run concurrently with each other but each must not overlap
// itself. Close is the last call made on a Transport.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Resolver maps host:port to a dialable address.
type Resolver interface {
	ResolveAddr(ctx context.Context, hostport string) (string, error)
}

type DialOptions struct {
	Timeout  time.Duration
	Resolver Resolver
	Header   http.Header
}

// WebSocket is a Transport over a gorilla/websocket connection.
type WebSocket struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to ws://addr and enables TCP no-delay so small command
// frames leave at the emitter's cadence.
func Dial(ctx context.Context, addr string, opts DialOptions) (*WebSocket, error) {
	if opts.Resolver != nil {
		resolved, err := opts.Resolver.ResolveAddr(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrConnect, addr, err)
		}
		addr = resolved
	}
	u := url.URL{Scheme: "ws", Host: addr}
	d := websocket.Dialer{HandshakeTimeout: opts.Timeout}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	ws, _, err := d.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, u.String(), err)
	}
	return New(ws), nil
}

// New wraps an established connection.
func New(ws *websocket.Conn) *WebSocket {
	if tcp, ok := ws.NetConn().(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			log.Printf("[WS] set nodelay: %v", err)
		}
	} else {
		log.Printf("[WS] nodelay not available for %T", ws.NetConn())
	}
	return &WebSocket{ws: ws}
}

// Send writes one binary message. The context deadline, if any, bounds the
// write, and cancelling ctx aborts a write blocked on a peer that stopped
// reading. An aborted write leaves the connection unusable for writes.
func (t *WebSocket) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := t.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	// gorilla applies its write deadline per frame, so a write already in
	// flight is only interrupted through the net.Conn.
	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(aborted)
		_ = t.ws.NetConn().SetWriteDeadline(time.Now())
	})
	err := t.ws.WriteMessage(websocket.BinaryMessage, payload)
	if !stop() {
		<-aborted
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Receive blocks for the next message. Cancelling ctx forces the pending
// read to return; the connection is not usable for reads afterwards, which
// is fine because the reader only stops when the session is ending.
func (t *WebSocket) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.ws.SetReadDeadline(time.Now())
	})
	defer stop()
	mt, data, err := t.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		return Frame{}, err
	}
	switch mt {
	case websocket.BinaryMessage:
		return Frame{Kind: Binary, Data: data}, nil
	case websocket.TextMessage:
		return Frame{Kind: Text, Data: data}, nil
	}
	return Frame{Kind: Other, Data: data}, nil
}

// Close sends a close frame when possible and releases the connection.
func (t *WebSocket) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.ws.Close()
	})
	return t.closeErr
}
