//go:build linux

package clock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PTP reads a PTP hardware clock (/dev/ptpN) through its dynamic clock id.
// The device file stays open for the lifetime of the source.
type PTP struct {
	f       *os.File
	clockID int32
}

func OpenPTP(device string) (*PTP, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, err
	}
	p := &PTP{f: f, clockID: fdToClockID(int(f.Fd()))}
	if _, err := p.NowMillis(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// fdToClockID mirrors the kernel's FD_TO_CLOCKID macro.
func fdToClockID(fd int) int32 {
	return int32((^fd << 3) | 3)
}

func (p *PTP) NowMillis() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(p.clockID, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime %s: %w", p.f.Name(), err)
	}
	return int64(ts.Sec)*1000 + int64(ts.Nsec)/1_000_000, nil
}

func (p *PTP) Name() string { return "ptp:" + p.f.Name() }
func (p *PTP) Close() error { return p.f.Close() }
