package session

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"hexbase/control/pkg/clock"
	"hexbase/control/pkg/proto"
	"hexbase/control/pkg/transport"
)

// Ingestor reads status messages and applies the session's reporting
// policy. Its state lives for one session only.
type Ingestor struct {
	t     transport.Transport
	obs   Observer
	clock clock.TimeSource

	identified bool
	// mismatched sticks once any status carries an unsupported major
	// version; odometry is never surfaced again in this session.
	mismatched bool
	clockErr   bool

	version    atomic.Uint32
	hasVersion atomic.Bool
	received   atomic.Uint64
}

func NewIngestor(t transport.Transport, obs Observer, src clock.TimeSource) *Ingestor {
	return &Ingestor{t: t, obs: obs, clock: src}
}

// Version is the protocol major version of the latest status message.
func (in *Ingestor) Version() (uint32, bool) {
	return in.version.Load(), in.hasVersion.Load()
}

// Received counts decoded status messages.
func (in *Ingestor) Received() uint64 { return in.received.Load() }

// Run reads until ctx is done or a read or decode fails. Non-binary frames
// are ignored.
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		f, err := in.t.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: receive: %v", ErrSteadyStateIO, err)
		}
		if f.Kind != transport.Binary {
			continue
		}
		st, err := proto.UnmarshalUpStatus(f.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSteadyStateIO, err)
		}
		in.handle(st)
	}
}

func (in *Ingestor) handle(st proto.UpStatus) {
	in.received.Add(1)
	in.version.Store(st.ProtocolMajorVersion)
	in.hasVersion.Store(true)
	if !in.identified {
		in.identified = true
		in.obs.Identity(st)
	}
	if st.Log != nil {
		in.obs.BaseLog(*st.Log)
	}
	if st.ProtocolMajorVersion != proto.SupportedMajorVersion && !in.mismatched {
		in.mismatched = true
		in.obs.VersionMismatch(st.ProtocolMajorVersion, proto.SupportedMajorVersion)
	}
	if in.mismatched {
		return
	}
	odo, ok := st.Odometry()
	if !ok {
		return
	}
	tel := Telemetry{Odometry: odo, BaseTime: st.TimeStamp}
	if now, err := in.clock.NowMillis(); err == nil {
		tel.LocalMillis = now
	} else if !in.clockErr {
		in.clockErr = true
		log.Printf("[CLOCK] %s: %v", in.clock.Name(), err)
	}
	in.obs.Odometry(tel)
}
