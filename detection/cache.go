// go-pn532
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn532.
//
// go-pn532 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn532 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn532; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package detection

import (
	"slices"
	"time"

	"github.com/ZaparooProject/go-pn54x/internal/syncutil"
)

type cacheEntry struct {
	stored  time.Time
	devices []DeviceInfo
}

// resultCache keeps the last non-empty result of each transport.
type resultCache struct {
	entries map[string]cacheEntry
	now     func() time.Time
	mu      syncutil.RWMutex
}

var cache = newResultCache(time.Now)

func newResultCache(now func() time.Time) *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry), now: now}
}

func (c *resultCache) get(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[transport]
	if !ok || c.now().Sub(entry.stored) > ttl {
		return nil, false
	}
	return slices.Clone(entry.devices), true
}

func (c *resultCache) set(transport string, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[transport] = cacheEntry{stored: c.now(), devices: slices.Clone(devices)}
}

func (c *resultCache) clear(transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transport == "" {
		clear(c.entries)
		return
	}
	delete(c.entries, transport)
}

func getCached(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	return cache.get(transport, ttl)
}

func setCached(transport string, devices []DeviceInfo) {
	cache.set(transport, devices)
}

func clearCache() {
	cache.clear("")
}

func clearCacheForTransport(transport string) {
	cache.clear(transport)
}
