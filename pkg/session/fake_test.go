package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/transport"
)

var errClosed = errors.New("fake: transport closed")

// op is one recorded transport call.
type op struct {
	close bool
	cmd   proto.DownCommand
	err   error
}

type inbound struct {
	frame transport.Frame
	err   error
}

// fakeTransport records every call in order and flags ordering violations:
// overlapping sends, sends after close, and deinitialize while a receive is
// still pending.
type fakeTransport struct {
	mu  sync.Mutex
	ops []op

	// failSend, when set, decides the error for each send.
	failSend func(cmd proto.DownCommand, n int) error

	inbox     chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	sending    atomic.Int32
	receiving  atomic.Int32
	violations atomic.Int32
	sends      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan inbound, 2048),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !f.sending.CompareAndSwap(0, 1) {
		f.violations.Add(1)
	}
	defer f.sending.Store(0)
	select {
	case <-f.closed:
		f.violations.Add(1)
		return errClosed
	default:
	}
	cmd, err := proto.UnmarshalDownCommand(payload)
	if err != nil {
		f.violations.Add(1)
		return err
	}
	if on, ok := cmd.ControlInitialize(); ok && !on && f.receiving.Load() != 0 {
		f.violations.Add(1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	var sendErr error
	if f.failSend != nil {
		sendErr = f.failSend(cmd, f.sends)
	}
	f.ops = append(f.ops, op{cmd: cmd, err: sendErr})
	return sendErr
}

func (f *fakeTransport) Receive(ctx context.Context) (transport.Frame, error) {
	f.receiving.Add(1)
	defer f.receiving.Add(-1)
	select {
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	case <-f.closed:
		return transport.Frame{}, errClosed
	case in := <-f.inbox:
		return in.frame, in.err
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.ops = append(f.ops, op{close: true})
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) push(st proto.UpStatus) {
	f.inbox <- inbound{frame: transport.Frame{Kind: transport.Binary, Data: st.Marshal()}}
}

func (f *fakeTransport) pushFrame(fr transport.Frame) {
	f.inbox <- inbound{frame: fr}
}

func (f *fakeTransport) pushErr(err error) {
	f.inbox <- inbound{err: err}
}

func (f *fakeTransport) snapshot() []op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]op(nil), f.ops...)
}

type transition struct {
	from, to State
	at       time.Time
}

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu          sync.Mutex
	transitions []transition
	identities  []proto.UpStatus
	logs        []string
	mismatches  []uint32
	odometry    []Telemetry
}

func (r *recorder) StateChanged(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{from: from, to: to, at: time.Now()})
}

func (r *recorder) Identity(st proto.UpStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = append(r.identities, st)
}

func (r *recorder) BaseLog(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recorder) VersionMismatch(got, want uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, got)
}

func (r *recorder) Odometry(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.odometry = append(r.odometry, t)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr.to)
	}
	return out
}

func (r *recorder) enteredAt(s State) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.transitions {
		if tr.to == s {
			return tr.at, true
		}
	}
	return time.Time{}, false
}

func (r *recorder) counts() (logs, mismatches, odometry int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs), len(r.mismatches), len(r.odometry)
}
