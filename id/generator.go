// Package id allocates connector and process identifiers.
package id

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// CounterBits is the number of bits for the per-millisecond counter.
	// 16 bits = ~65k IDs per millisecond per node.
	CounterBits = 16
	// CounterMask masks the counter to CounterBits.
	CounterMask = (1 << CounterBits) - 1

	// NodeBits is the number of bits reserved for the node ID.
	NodeBits = 6
	// NodeMask masks the node ID to NodeBits.
	NodeMask = (1 << NodeBits) - 1

	// TimeShift is the total bits to shift wall time (NodeBits + CounterBits).
	TimeShift = NodeBits + CounterBits
)

// Generator provides unique, roughly time-ordered IDs.
type Generator interface {
	NextID() int64
}

// ConnectorGenerator allocates connector IDs.
// Format: (wall_ms << 22) | (node_id << 16) | counter
//
// Bit allocation (63 usable bits, IDs are always positive):
//   - 41 bits for wall time in milliseconds
//   - 6 bits for node ID
//   - 16 bits for the tie-breaking counter
//
// IDs are strictly increasing within one process even if the wall clock
// steps backwards.
type ConnectorGenerator struct {
	mu      sync.Mutex
	nodeID  int64
	lastMS  int64
	counter int64
	now     func() time.Time
}

// NewConnectorGenerator creates a generator for the given node.
func NewConnectorGenerator(nodeID uint64) *ConnectorGenerator {
	return &ConnectorGenerator{
		nodeID: int64(nodeID & NodeMask),
		now:    time.Now,
	}
}

// NextID returns the next connector ID.
func (g *ConnectorGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms > g.lastMS {
		g.lastMS = ms
		g.counter = 0
	}

	// Counter exhausted for this millisecond: borrow the next one rather
	// than spinning, the clock catches up on its own.
	if g.counter > CounterMask {
		g.lastMS++
		g.counter = 0
	}

	id := g.lastMS<<TimeShift | g.nodeID<<CounterBits | g.counter
	g.counter++
	return id
}

// Time returns the wall-clock millisecond embedded in a connector ID.
func Time(id int64) time.Time {
	return time.UnixMilli(id >> TimeShift)
}

// Sequence hands out process IDs. It is safe for concurrent use.
type Sequence struct {
	last atomic.Int64
}

// NextID returns the next value, starting at 1.
func (s *Sequence) NextID() int64 {
	return s.last.Add(1)
}
