// Package epoch provides the process-wide logical clock used to order
// checkpoints and snapshot reads.
//
// An Epoch packs a physical millisecond timestamp into the upper 48 bits and
// a logical sequence into the lower PhysicalShiftBits bits. Epochs compare as
// plain integers.
package epoch

import (
	"strconv"
	"sync"
	"time"
)

const (
	// PhysicalShiftBits is the width of the logical sequence component.
	PhysicalShiftBits = 16

	// MinEpoch and MaxEpoch bound the epoch space.
	MinEpoch Epoch = 0
	MaxEpoch Epoch = ^Epoch(0)

	// SingleVersionEpoch is used for keys that only ever keep one version.
	SingleVersionEpoch Epoch = 0

	// MaxNamingEpoch reserves the low epochs for naming purposes; generated
	// epochs are always far above it.
	MaxNamingEpoch Epoch = 50
)

// Epoch is a monotonically increasing logical timestamp.
type Epoch uint64

// Clock returns the current wall-clock time.
type Clock func() time.Time

// PhysicalNow returns the current wall clock in milliseconds since the Unix epoch.
func PhysicalNow() uint64 {
	return physicalFrom(time.Now)
}

func physicalFrom(clock Clock) uint64 {
	return uint64(clock().UnixMilli())
}

// InitEpoch returns an epoch for the current millisecond with a zero logical part.
func InitEpoch() Epoch {
	return Epoch(PhysicalNow() << PhysicalShiftBits)
}

// PhysicalTime returns the millisecond component of the epoch.
func (e Epoch) PhysicalTime() uint64 {
	return uint64(e) >> PhysicalShiftBits
}

// Logical returns the sequence component of the epoch.
func (e Epoch) Logical() uint64 {
	return uint64(e) & (1<<PhysicalShiftBits - 1)
}

// Next returns the epoch following e, read against the wall clock.
//
// When the clock has not moved past e's millisecond the logical part is
// bumped. More than 2^16 calls within one millisecond carry into the physical
// bits; that overflow is not guarded.
func (e Epoch) Next() Epoch {
	return e.nextAt(PhysicalNow())
}

func (e Epoch) nextAt(physicalNow uint64) Epoch {
	if physicalNow == e.PhysicalTime() {
		return e + 1
	}
	return Epoch(physicalNow << PhysicalShiftBits)
}

// Time converts the physical component back to wall-clock time.
func (e Epoch) Time() time.Time {
	return time.UnixMilli(int64(e.PhysicalTime()))
}

func (e Epoch) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

// Generator issues epochs. Implementations must be safe for concurrent use.
type Generator interface {
	Generate() Epoch
}

// MemGenerator keeps the current epoch in memory behind a mutex.
type MemGenerator struct {
	mu      sync.Mutex
	current Epoch
	clock   Clock
	onIssue func(Epoch)
}

// Option configures a MemGenerator.
type Option func(*MemGenerator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(g *MemGenerator) {
		g.clock = clock
	}
}

// WithObserver registers a callback invoked, outside the lock, with every
// issued epoch.
func WithObserver(fn func(Epoch)) Option {
	return func(g *MemGenerator) {
		g.onIssue = fn
	}
}

// NewMemGenerator creates a generator seeded with the current millisecond.
func NewMemGenerator(opts ...Option) *MemGenerator {
	g := &MemGenerator{clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.current = Epoch(physicalFrom(g.clock) << PhysicalShiftBits)
	return g
}

// Generate returns the next epoch. Successive calls are strictly increasing
// as long as the wall clock does not step backwards past the stored epoch.
func (g *MemGenerator) Generate() Epoch {
	now := physicalFrom(g.clock)

	g.mu.Lock()
	next := g.current.nextAt(now)
	if next <= g.current {
		// wall clock stepped backwards; stay on the stored millisecond
		next = g.current + 1
	}
	g.current = next
	g.mu.Unlock()

	if g.onIssue != nil {
		g.onIssue(next)
	}
	return next
}

// Current returns the most recently issued epoch without advancing.
func (g *MemGenerator) Current() Epoch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
