package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/transport"
)

// VelocitySource supplies the velocity for the next move command. It is
// called once per emitter tick.
type VelocitySource interface {
	Velocity() proto.XYZSpeed
}

// ConstantVelocity commands the same velocity on every tick.
type ConstantVelocity proto.XYZSpeed

func (c ConstantVelocity) Velocity() proto.XYZSpeed { return proto.XYZSpeed(c) }

// VelocityFunc adapts a function to VelocitySource.
type VelocityFunc func() proto.XYZSpeed

func (f VelocityFunc) Velocity() proto.XYZSpeed { return f() }

// Emitter writes one SimpleMove command per cadence tick. Sends are
// strictly sequential.
type Emitter struct {
	t       transport.Transport
	cadence time.Duration
	src     VelocitySource
	sent    atomic.Uint64
}

func NewEmitter(t transport.Transport, cadence time.Duration, src VelocitySource) *Emitter {
	return &Emitter{t: t, cadence: cadence, src: src}
}

func (e *Emitter) Sent() uint64 { return e.sent.Load() }

// Run emits until ctx is done or a send fails.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// a tick and cancellation can be ready together
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := proto.SimpleMove(e.src.Velocity()).Marshal()
		if err != nil {
			return fmt.Errorf("%w: encode move: %v", ErrSteadyStateIO, err)
		}
		if err := e.t.Send(ctx, b); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: send move: %v", ErrSteadyStateIO, err)
		}
		e.sent.Add(1)
	}
}
