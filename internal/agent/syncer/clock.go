package syncer

import (
	"sync"

	"github.com/google/uuid"
)

// OriginClock is a Lamport logical clock stamping local mutations, so
// item timestamps are monotonic per origin without trusting wall time.
type OriginClock struct {
	mu      sync.Mutex
	counter int64
	nodeID  string
}

// NewOriginClock creates a clock with a fresh node identity.
func NewOriginClock() *OriginClock {
	return &OriginClock{nodeID: uuid.New().String()}
}

// NewOriginClockWithNodeID creates a clock with a known node identity,
// used when restoring persisted state.
func NewOriginClockWithNodeID(nodeID string) *OriginClock {
	return &OriginClock{nodeID: nodeID}
}

// Tick advances the counter for a new local event and returns the new
// timestamp.
func (c *OriginClock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	return c.counter
}

// Observe folds a remote timestamp into the clock:
// counter = max(counter, remote) + 1. Called for every item and server
// timestamp received, so later local events order after them.
func (c *OriginClock) Observe(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	return c.counter
}

// Current returns the counter without advancing it.
func (c *OriginClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counter
}

// Set restores the counter, used after restart.
func (c *OriginClock) Set(counter int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter = counter
}

// NodeID returns the stable origin identity.
func (c *OriginClock) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nodeID
}
