//go:build !linux

package pacing

import (
	"fmt"
	"time"
)

const resolutionSamples = 64

// clockResolution estimates the resolution as the smallest non-zero step
// observed between consecutive readings.
func clockResolution() (time.Duration, error) {
	var smallest time.Duration

	for i := 0; i < resolutionSamples; i++ {
		start := time.Now()

		var step time.Duration
		for spins := 0; step == 0 && spins < 1_000_000; spins++ {
			step = time.Since(start)
		}

		if step == 0 {
			continue
		}

		if smallest == 0 || step < smallest {
			smallest = step
		}
	}

	if smallest == 0 {
		return 0, fmt.Errorf("%w: clock does not advance", ErrClockUnavailable)
	}

	return smallest, nil
}
