//go:build linux

package pacing

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

func clockResolution() (time.Duration, error) {
	var ts unix.Timespec

	err := unix.ClockGetres(unix.CLOCK_MONOTONIC, &ts)
	if err != nil {
		return 0, fmt.Errorf("%w: clock_getres: %v", ErrClockUnavailable, err)
	}

	return time.Duration(ts.Nano()), nil
}
