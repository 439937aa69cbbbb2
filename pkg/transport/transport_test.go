package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer writes every message back, then sends one text frame when it
// receives "text".
func echoServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "text" {
				mt = websocket.TextMessage
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestSendReceive(t *testing.T) {
	addr := echoServer(t)
	ctx := context.Background()
	tr, err := Dial(ctx, addr, DialOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte{1, 2, 3}))
	f, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Binary, f.Kind)
	assert.Equal(t, []byte{1, 2, 3}, f.Data)

	require.NoError(t, tr.Send(ctx, []byte("text")))
	f, err = tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Text, f.Kind)
}

func TestReceiveUnblocksOnCancel(t *testing.T) {
	addr := echoServer(t)
	tr, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	begin := time.Now()
	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(begin), time.Second)

	// writes still work after the reader was stopped
	assert.NoError(t, tr.Send(context.Background(), []byte{9}))
}

func TestSendRespectsCancelledContext(t *testing.T) {
	addr := echoServer(t)
	tr, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Send(ctx, []byte{1}), context.Canceled)
}

// stalledServer upgrades and then never reads, so the client's socket
// buffers fill up.
func stalledServer(t *testing.T) string {
	t.Helper()
	release := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestSendUnblocksOnCancel(t *testing.T) {
	addr := stalledServer(t)
	tr, err := Dial(context.Background(), addr, DialOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	payload := make([]byte, 256<<10)
	done := make(chan error, 1)
	go func() {
		for {
			if err := tr.Send(ctx, payload); err != nil {
				done <- err
				return
			}
		}
	}()

	// let the writes back up before cancelling
	time.Sleep(500 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after cancel")
	}
	assert.NoError(t, tr.Close())
}

func TestCancelAfterCompletedSendLeavesConnWritable(t *testing.T) {
	addr := echoServer(t)
	tr, err := Dial(context.Background(), addr, DialOptions{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Send(ctx, []byte{1}))
	cancel()
	// a completed send must not leave the cancel deadline behind
	require.NoError(t, tr.Send(context.Background(), []byte{2}))
	for _, want := range []byte{1, 2} {
		f, err := tr.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{want}, f.Data)
	}
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, DialOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrConnect)
}

type mapResolver map[string]string

func (m mapResolver) ResolveAddr(ctx context.Context, hostport string) (string, error) {
	if v, ok := m[hostport]; ok {
		return v, nil
	}
	return "", &net.DNSError{Err: "no such host", Name: hostport}
}

func TestDialResolvesThroughResolver(t *testing.T) {
	addr := echoServer(t)
	tr, err := Dial(context.Background(), "base.lan:8439", DialOptions{Resolver: mapResolver{"base.lan:8439": addr}})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "close is idempotent")

	_, err = Dial(context.Background(), "other.lan:8439", DialOptions{Resolver: mapResolver{}})
	assert.ErrorIs(t, err, ErrConnect)
}
