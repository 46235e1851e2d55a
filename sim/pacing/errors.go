package pacing

import "errors"

// ErrClockUnavailable is returned when the monotonic clock or its resolution
// cannot be obtained. Real-time pacing is impossible without it.
var ErrClockUnavailable = errors.New("pacing: clock unavailable")
