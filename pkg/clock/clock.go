// Package clock supplies timestamps to the control client, either from the
// process's monotonic clock or from a PTP hardware clock device.
package clock

import (
	"errors"
	"fmt"
	"time"
)

var ErrClockUnavailable = errors.New("clock: time source unavailable")

// TimeSource reads the current time in milliseconds.
type TimeSource interface {
	NowMillis() (int64, error)
	Name() string
	Close() error
}

// Monotonic counts milliseconds from the moment it was created.
type Monotonic struct {
	start time.Time
}

func NewMonotonic() *Monotonic { return &Monotonic{start: time.Now()} }

func (m *Monotonic) NowMillis() (int64, error) {
	return time.Since(m.start).Milliseconds(), nil
}

func (m *Monotonic) Name() string { return "monotonic" }
func (m *Monotonic) Close() error { return nil }

// New returns a PTP source when device is set and the monotonic source
// otherwise. A configured device that cannot be opened is an error.
func New(device string) (TimeSource, error) {
	if device == "" {
		return NewMonotonic(), nil
	}
	p, err := OpenPTP(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrClockUnavailable, device, err)
	}
	return p, nil
}
