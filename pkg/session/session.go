// Package session runs one control episode against a robot base: it claims
// control, streams move commands while reading status, and always releases
// control before the connection is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"hexbase/control/pkg/clock"
	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/transport"
)

var (
	ErrHandshakeSend = errors.New("session: handshake send failed")
	ErrSteadyStateIO = errors.New("session: steady-state i/o failed")
	ErrAlreadyRun    = errors.New("session: already run")
)

// State is the lifecycle position of a Session.
type State int32

const (
	Connecting State = iota
	Handshaking
	Active
	Stopping
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Cause records why a session ended.
type Cause int32

const (
	CauseNone Cause = iota
	CauseCancelled
	CauseTimeout
	CauseFatal
	CauseHandshake
)

func (c Cause) String() string {
	switch c {
	case CauseCancelled:
		return "cancelled"
	case CauseTimeout:
		return "timeout"
	case CauseFatal:
		return "fatal"
	case CauseHandshake:
		return "handshake"
	}
	return "none"
}

// Options tune a session. Zero durations and nil fields take the defaults
// below.
type Options struct {
	// ReportFrequency is sent as-is. Its zero value is Rf1000Hz, the rate a
	// base reports at before it is told otherwise.
	ReportFrequency proto.ReportFrequency
	// Settle is the pause after each handshake step.
	Settle time.Duration
	// Cadence is the move command interval.
	Cadence time.Duration
	// Timeout bounds the Active state; 0 runs until cancelled.
	Timeout time.Duration
	// ShutdownBudget bounds the deinitialize write.
	ShutdownBudget time.Duration
	Velocity       VelocitySource
	Observer       Observer
	Clock          clock.TimeSource
}

const (
	DefaultSettle         = 100 * time.Millisecond
	DefaultCadence        = 20 * time.Millisecond
	DefaultShutdownBudget = time.Second
)

// DefaultVelocity turns in place slowly.
var DefaultVelocity = ConstantVelocity{SpeedZ: 0.1}

func (o Options) withDefaults() Options {
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.Cadence <= 0 {
		o.Cadence = DefaultCadence
	}
	if o.ShutdownBudget <= 0 {
		o.ShutdownBudget = DefaultShutdownBudget
	}
	if o.Velocity == nil {
		o.Velocity = DefaultVelocity
	}
	if o.Observer == nil {
		o.Observer = LogObserver{}
	}
	if o.Clock == nil {
		o.Clock = clock.NewMonotonic()
	}
	return o
}

// Session is one control episode over an already-open transport, which it
// owns exclusively until Run returns.
type Session struct {
	t    transport.Transport
	opts Options

	emitter  *Emitter
	ingestor *Ingestor

	started atomic.Bool
	state   atomic.Int32

	mu       sync.Mutex
	cause    Cause
	deadline time.Time
}

func New(t transport.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{t: t, opts: opts}
	s.emitter = NewEmitter(t, opts.Cadence, opts.Velocity)
	s.ingestor = NewIngestor(t, opts.Observer, opts.Clock)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Deadline is the absolute end of the Active state, if a timeout was set.
func (s *Session) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, !s.deadline.IsZero()
}

// ProtocolMajorVersion is the version last reported by the base.
func (s *Session) ProtocolMajorVersion() (uint32, bool) { return s.ingestor.Version() }

// Sent is the number of move commands written.
func (s *Session) Sent() uint64 { return s.emitter.Sent() }

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.opts.Observer.StateChanged(from, to)
	}
}

// Run drives the session to Closed. Cancellation and timeout are normal
// endings and return nil; handshake and steady-state failures return an
// error wrapping ErrHandshakeSend or ErrSteadyStateIO.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	s.setState(Handshaking)
	claimed, err := s.handshake(ctx)
	if err != nil && !claimed {
		cause := CauseHandshake
		if ctx.Err() != nil {
			cause, err = CauseCancelled, nil
		}
		// control was never claimed, nothing to release
		s.close()
		s.finish(cause)
		return err
	}
	if err != nil {
		// cancelled while settling after initialize: control is held
		log.Printf("[SESSION] cancelled during handshake, releasing control")
		s.setState(Stopping)
		s.shutdown()
		s.finish(CauseCancelled)
		return nil
	}

	s.setState(Active)
	cause, err := s.active(ctx)
	s.setState(Stopping)
	s.shutdown()
	s.finish(cause)
	return err
}

// handshake sets the report frequency then claims control. claimed reports
// whether ControlInitialize(true) reached the transport.
func (s *Session) handshake(ctx context.Context) (claimed bool, err error) {
	if err := s.send(ctx, proto.SetReportFrequency(s.opts.ReportFrequency)); err != nil {
		return false, s.handshakeErr(ctx, "set report frequency", err)
	}
	if err := sleep(ctx, s.opts.Settle); err != nil {
		return false, err
	}
	if err := s.send(ctx, proto.ControlInitialize(true)); err != nil {
		return false, s.handshakeErr(ctx, "initialize", err)
	}
	if err := sleep(ctx, s.opts.Settle); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Session) handshakeErr(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrHandshakeSend, step, err)
}

// active runs the emitter and ingestor until one of them fails, ctx is
// cancelled, or the timeout expires. Both loops have returned when it does.
func (s *Session) active(ctx context.Context) (Cause, error) {
	var (
		activeCtx context.Context
		cancel    context.CancelFunc
	)
	if s.opts.Timeout > 0 {
		deadline := time.Now().Add(s.opts.Timeout)
		s.mu.Lock()
		s.deadline = deadline
		s.mu.Unlock()
		activeCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		activeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	g, gctx := errgroup.WithContext(activeCtx)
	g.Go(func() error { return s.emitter.Run(gctx) })
	g.Go(func() error { return s.ingestor.Run(gctx) })
	loopErr := g.Wait()

	switch {
	case loopErr != nil && !isContextErr(loopErr):
		log.Printf("[SESSION] %v", loopErr)
		return CauseFatal, loopErr
	case ctx.Err() != nil:
		return CauseCancelled, nil
	case errors.Is(activeCtx.Err(), context.DeadlineExceeded):
		log.Printf("[SESSION] timeout after %s", s.opts.Timeout)
		return CauseTimeout, nil
	}
	return CauseFatal, fmt.Errorf("%w: loops stopped without a cause", ErrSteadyStateIO)
}

// shutdown releases control and closes the transport. Both loops must have
// returned. A failed deinitialize never prevents the close.
func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownBudget)
	defer cancel()
	if err := s.send(ctx, proto.ControlInitialize(false)); err != nil {
		log.Printf("[SESSION] deinitialize failed: %v", err)
	} else {
		log.Printf("[SESSION] deinitialized base")
	}
	s.close()
}

func (s *Session) close() {
	if err := s.t.Close(); err != nil {
		log.Printf("[SESSION] close transport: %v", err)
	}
}

func (s *Session) finish(cause Cause) {
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	s.setState(Closed)
}

func (s *Session) send(ctx context.Context, cmd proto.DownCommand) error {
	b, err := cmd.Marshal()
	if err != nil {
		return err
	}
	return s.t.Send(ctx, b)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
