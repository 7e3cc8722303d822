// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache provides a bounded in-memory response cache with a two-tier
// freshness model. An entry is fresh until its fresh TTL elapses, then stale
// until its stale TTL elapses, then gone. Stale entries are only served when
// the caller explicitly accepts them, which happens when the upstream API is
// unreachable.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"clubprint/internal/metrics"
)

// DefaultCapacity bounds the number of entries when no capacity is given.
const DefaultCapacity = 1000

// Freshness classifies the result of a lookup.
type Freshness int

const (
	Miss Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

type entry struct {
	value      any
	createdAt  time.Time
	freshUntil time.Time
	staleUntil time.Time
}

// Cache is a capacity-bounded key/value cache. When full, the oldest entry
// by insertion time is evicted.
type Cache struct {
	mu       sync.Mutex
	items    *gocache.Cache
	clock    clockwork.Clock
	capacity int
}

// New returns a cache holding at most capacity entries. A non-positive
// capacity selects DefaultCapacity. The clock is injectable for tests;
// pass clockwork.NewRealClock() in production.
func New(capacity int, clock clockwork.Clock) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		// The go-cache janitor garbage collects entries past their
		// stale horizon. Freshness decisions below never rely on it.
		items:    gocache.New(gocache.NoExpiration, time.Minute),
		clock:    clock,
		capacity: capacity,
	}
}

// Set stores value under key. freshTTL bounds the fresh window and staleTTL
// the total lifetime; staleTTL is clamped up to freshTTL if shorter.
func (c *Cache) Set(key string, value any, freshTTL, staleTTL time.Duration) {
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.items.Get(key); !found && c.items.ItemCount() >= c.capacity {
		c.evictOldestLocked()
	}
	c.items.Set(key, &entry{
		value:      value,
		createdAt:  now,
		freshUntil: now.Add(freshTTL),
		staleUntil: now.Add(staleTTL),
	}, staleTTL)
	metrics.SetCacheEntries(c.items.ItemCount())
}

// Get looks up key. A fresh entry is always returned; a stale entry is
// returned only when acceptStale is set. The boolean reports whether a
// usable value was found.
func (c *Cache) Get(key string, acceptStale bool) (any, Freshness, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	raw, found := c.items.Get(key)
	if !found {
		metrics.IncCacheLookup(Miss.String())
		return nil, Miss, false
	}
	e := raw.(*entry)

	switch {
	case now.Before(e.freshUntil):
		metrics.IncCacheLookup(Fresh.String())
		return e.value, Fresh, true
	case now.Before(e.staleUntil):
		if acceptStale {
			metrics.IncCacheLookup(Stale.String())
			return e.value, Stale, true
		}
		metrics.IncCacheLookup(Miss.String())
		return nil, Stale, false
	default:
		c.items.Delete(key)
		metrics.SetCacheEntries(c.items.ItemCount())
		metrics.IncCacheLookup(Miss.String())
		return nil, Miss, false
	}
}

// Invalidate removes key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(key)
	metrics.SetCacheEntries(c.items.ItemCount())
}

// Len reports the current entry count, including entries past their stale
// horizon that the janitor has not collected yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.ItemCount()
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, item := range c.items.Items() {
		e := item.Object.(*entry)
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		c.items.Delete(oldestKey)
	}
}
