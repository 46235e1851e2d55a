package tracing

import (
	"sync"
	"time"
)

// Summary aggregates dispatches.
type Summary struct {
	Count        uint64        `json:"count"`
	Failed       uint64        `json:"failed"`
	AverageSpent time.Duration `json:"average_spent"`
	MaxSpent     time.Duration `json:"max_spent"`
	MaxDrift     time.Duration `json:"max_drift"`
	LastVirtual  time.Duration `json:"last_virtual_time"`
}

// SummaryTracer keeps running totals of dispatches in memory.
type SummaryTracer struct {
	lock    sync.Mutex
	summary Summary
	total   time.Duration
}

// NewSummaryTracer creates a new SummaryTracer.
func NewSummaryTracer() *SummaryTracer {
	return &SummaryTracer{}
}

// TraceDispatch accounts for d.
func (t *SummaryTracer) TraceDispatch(d Dispatch) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s := &t.summary
	s.Count++
	if d.Failed {
		s.Failed++
	}

	t.total += d.Spent
	s.AverageSpent = t.total / time.Duration(s.Count)
	s.MaxSpent = max(s.MaxSpent, d.Spent)
	s.MaxDrift = max(s.MaxDrift, d.Drift)
	s.LastVirtual = d.VirtualTime
}

// Summary returns the totals so far.
func (t *SummaryTracer) Summary() Summary {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.summary
}
