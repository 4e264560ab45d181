package userstate

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ProgramCache stores compiled expression programs keyed by engine and
// expression.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

const (
	defaultProgramTTL     = 30 * time.Minute
	defaultProgramCleanup = 10 * time.Minute
)

// ExpiringProgramCache is a ProgramCache that forgets programs which have not
// been used for the configured TTL.
type ExpiringProgramCache struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewProgramCache builds an expiring cache. Non-positive durations fall back
// to a 30 minute TTL swept every 10 minutes.
func NewProgramCache(ttl, cleanup time.Duration) *ExpiringProgramCache {
	if ttl <= 0 {
		ttl = defaultProgramTTL
	}
	if cleanup <= 0 {
		cleanup = defaultProgramCleanup
	}
	return &ExpiringProgramCache{
		cache: gocache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

// Get returns the program stored under key and refreshes its expiry.
func (c *ExpiringProgramCache) Get(key string) (any, bool) {
	value, ok := c.cache.Get(key)
	if ok {
		c.cache.Set(key, value, c.ttl)
	}
	return value, ok
}

// Set stores value under key.
func (c *ExpiringProgramCache) Set(key string, value any) {
	c.cache.Set(key, value, c.ttl)
}

// Len returns the number of cached programs, including expired ones not yet
// swept.
func (c *ExpiringProgramCache) Len() int {
	return c.cache.ItemCount()
}

// Flush drops every cached program.
func (c *ExpiringProgramCache) Flush() {
	c.cache.Flush()
}
