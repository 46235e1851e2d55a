// Package id provides the identifiers used by the scheduling kernel.
package id

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// Generator hands out strictly increasing sequence numbers. The first value
// is 1, so that 0 can stand for "no sequence".
type Generator interface {
	Generate() uint64
	Last() uint64
}

// NewSequentialGenerator returns a generator that never reuses a number.
func NewSequentialGenerator() Generator {
	return &sequentialIDGenerator{}
}

type sequentialIDGenerator struct {
	nextID atomic.Uint64
}

func (g *sequentialIDGenerator) Generate() uint64 {
	return g.nextID.Add(1)
}

func (g *sequentialIDGenerator) Last() uint64 {
	return g.nextID.Load()
}

// Unique returns a globally unique, sortable ID. It is used to name
// simulation runs and their output files.
func Unique() string {
	return xid.New().String()
}
