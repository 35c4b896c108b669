// Package cache keeps a two-generation cache of the most recent Snapshot
// seen for each connection, so the saver can tell which connections dropped
// out of a polling round without re-walking every TCB by hand.
// Cache is NOT threadsafe.
package cache

import (
	"github.com/lowpan-go/lowpan-stack/metrics"
	"github.com/lowpan-go/lowpan-stack/snapshot"
	"github.com/lowpan-go/lowpan-stack/tcpstack"
)

// Cache is a cache of the most recent snapshot per connection.
type Cache struct {
	current  map[tcpstack.FourTuple]*snapshot.Snapshot // Cache of most recent snapshots.
	previous map[tcpstack.FourTuple]*snapshot.Snapshot // Cache of the previous round's snapshots.
	cycles   int64
}

// NewCache creates a cache object with capacity of 500.
// The map size is adjusted on every sampling round, but we have to start somewhere.
func NewCache() *Cache {
	return &Cache{
		current:  make(map[tcpstack.FourTuple]*snapshot.Snapshot, 500),
		previous: make(map[tcpstack.FourTuple]*snapshot.Snapshot, 0),
	}
}

// Update swaps snap into the cache, and returns the value that had been
// there for the same connection in the previous round, if any.
func (c *Cache) Update(tuple tcpstack.FourTuple, snap *snapshot.Snapshot) *snapshot.Snapshot {
	c.current[tuple] = snap
	evicted, ok := c.previous[tuple]
	if ok {
		delete(c.previous, tuple)
	}
	return evicted
}

// EndCycle marks the completion of updates from one polling round. It
// returns all connections that did not have a corresponding snapshot in the
// most recent round, meaning they have gone away.
func (c *Cache) EndCycle() map[tcpstack.FourTuple]*snapshot.Snapshot {
	metrics.CacheSizeHistogram.Observe(float64(len(c.current)))
	tmp := c.previous
	c.previous = c.current
	// Allocate a bit more than previous size, to accommodate new connections.
	// This will grow and shrink with the number of active connections, but
	// minimize reallocation.
	c.current = make(map[tcpstack.FourTuple]*snapshot.Snapshot, len(c.previous)+len(c.previous)/10+10)
	c.cycles++
	return tmp
}

// CycleCount returns the number of times EndCycle() has been called.
func (c *Cache) CycleCount() int64 {
	return c.cycles
}
