// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credential

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCacheCapacity = 1024
	defaultCacheTTL      = time.Hour
)

type cacheKey struct {
	credential string
	workflowID uuid.UUID
}

type cacheEntry struct {
	token    AccessToken
	storedAt time.Time
}

// tokenCache holds client-credentials access tokens in memory. Entries
// expire with the token itself or after the residence TTL, whichever
// comes first; inserts beyond capacity evict the oldest entry.
type tokenCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[cacheKey]cacheEntry
	now      func() time.Time
}

func newTokenCache(capacity int, ttl time.Duration) *tokenCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &tokenCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[cacheKey]cacheEntry),
		now:      time.Now,
	}
}

func (c *tokenCache) get(key cacheKey) (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return AccessToken{}, false
	}

	now := c.now()
	if now.After(entry.storedAt.Add(c.ttl)) || entry.token.ExpiresAt <= now.Unix() {
		delete(c.entries, key)
		return AccessToken{}, false
	}
	return entry.token, true
}

func (c *tokenCache) put(key cacheKey, token AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{token: token, storedAt: c.now()}
}

func (c *tokenCache) evictOldestLocked() {
	var oldest cacheKey
	var oldestAt time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.storedAt.Before(oldestAt) {
			oldest = key
			oldestAt = entry.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func (c *tokenCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
