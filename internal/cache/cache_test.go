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

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestGetFreshThenStaleThenGone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(10, clock)

	c.Set("attendees:E1", "payload", 2*time.Minute, 30*time.Minute)

	v, fr, ok := c.Get("attendees:E1", false)
	if !ok || fr != Fresh || v != "payload" {
		t.Fatalf("immediate Get = (%v, %v, %v), want fresh hit", v, fr, ok)
	}

	// Past the fresh window: only acceptStale callers get the value.
	clock.Advance(3 * time.Minute)
	if _, fr, ok := c.Get("attendees:E1", false); ok || fr != Stale {
		t.Fatalf("strict Get after fresh window = (%v, %v), want stale miss", fr, ok)
	}
	v, fr, ok = c.Get("attendees:E1", true)
	if !ok || fr != Stale || v != "payload" {
		t.Fatalf("lenient Get = (%v, %v, %v), want stale hit", v, fr, ok)
	}

	// Past the stale window: gone for everyone.
	clock.Advance(30 * time.Minute)
	if _, _, ok := c.Get("attendees:E1", true); ok {
		t.Fatal("Get past stale window succeeded; want miss")
	}
}

func TestGetMiss(t *testing.T) {
	c := New(10, clockwork.NewFakeClock())
	if _, fr, ok := c.Get("nope", true); ok || fr != Miss {
		t.Fatalf("Get on empty cache = (%v, %v), want miss", fr, ok)
	}
}

func TestSetClampsStaleTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(10, clock)

	c.Set("k", 1, 10*time.Minute, time.Minute)

	// Within the fresh window the entry must still be servable even
	// though the stale TTL was shorter.
	clock.Advance(5 * time.Minute)
	if _, fr, ok := c.Get("k", false); !ok || fr != Fresh {
		t.Fatalf("Get = (%v, %v), want fresh hit", fr, ok)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(3, clock)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Hour, time.Hour)
		clock.Advance(time.Second)
	}
	c.Set("k3", 3, time.Hour, time.Hour)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, _, ok := c.Get("k0", true); ok {
		t.Error("oldest entry k0 survived eviction")
	}
	if _, _, ok := c.Get("k3", true); !ok {
		t.Error("newest entry k3 missing")
	}
}

func TestSetExistingKeyDoesNotEvict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(2, clock)

	c.Set("a", 1, time.Hour, time.Hour)
	clock.Advance(time.Second)
	c.Set("b", 2, time.Hour, time.Hour)
	clock.Advance(time.Second)
	c.Set("a", 3, time.Hour, time.Hour)

	if _, _, ok := c.Get("a", false); !ok {
		t.Error("refreshed entry a missing")
	}
	if _, _, ok := c.Get("b", false); !ok {
		t.Error("entry b evicted by an overwrite of a")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(10, clockwork.NewFakeClock())
	c.Set("k", 1, time.Hour, time.Hour)
	c.Invalidate("k")
	if _, _, ok := c.Get("k", true); ok {
		t.Fatal("invalidated entry still present")
	}
}
