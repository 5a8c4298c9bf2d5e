// Package chancache memoizes on-ledger channel state for a bounded lifetime.
package chancache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

// DefaultLifetime is how long an entry is served before it must be refreshed.
const DefaultLifetime = 60 * time.Second

type entry struct {
	state    paych.ChannelState
	inserted time.Time
}

// Cache is an advisory, short-lived view of channel state keyed by channel id.
// A miss must always be answered by re-reading the ledger.
type Cache struct {
	lifetime time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	entries map[paych.ChannelID]entry
}

// New returns a cache whose entries live for lifetime. A non-positive lifetime
// uses DefaultLifetime.
func New(lifetime time.Duration, clk clock.Clock) *Cache {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		lifetime: lifetime,
		clk:      clk,
		entries:  make(map[paych.ChannelID]entry),
	}
}

// Lifetime returns the configured entry lifetime.
func (c *Cache) Lifetime() time.Duration {
	return c.lifetime
}

// Get returns the cached state for id. Expired entries are removed and reported absent.
func (c *Cache) Get(id paych.ChannelID) (paych.ChannelState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return paych.ChannelState{}, false
	}
	if c.clk.Now().Sub(e.inserted) >= c.lifetime {
		delete(c.entries, id)
		return paych.ChannelState{}, false
	}
	return e.state.Clone(), true
}

// Set stores state under id, restarting its lifetime.
func (c *Cache) Set(id paych.ChannelID, state paych.ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry{state: state.Clone(), inserted: c.clk.Now()}
}

// Invalidate drops the entry for id.
func (c *Cache) Invalidate(id paych.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[paych.ChannelID]entry)
}

// Len returns the number of stored entries, including ones not yet found stale.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
