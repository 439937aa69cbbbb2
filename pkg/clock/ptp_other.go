//go:build !linux

package clock

import "errors"

// PTP is only available on Linux.
type PTP struct{}

func OpenPTP(device string) (*PTP, error) {
	return nil, errors.New("ptp clocks are only supported on linux")
}

func (p *PTP) NowMillis() (int64, error) { return 0, ErrClockUnavailable }
func (p *PTP) Name() string              { return "ptp" }
func (p *PTP) Close() error              { return nil }
