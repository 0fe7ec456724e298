// Package cache memoizes resolver output per project. The cache is
// best-effort: a miss and a failure look the same to callers, the
// resolver recomputes either way.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gantry/internal/domain"
)

type ReadyCache struct {
	lru *expirable.LRU[string, domain.ReadySet]
}

func New(maxProjects int, ttl time.Duration) *ReadyCache {
	if maxProjects <= 0 {
		maxProjects = 128
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ReadyCache{lru: expirable.NewLRU[string, domain.ReadySet](maxProjects, nil, ttl)}
}

func (c *ReadyCache) Get(projectID string) (domain.ReadySet, bool) {
	set, ok := c.lru.Get(projectID)
	if ok {
		set.FromCache = true
	}
	return set, ok
}

func (c *ReadyCache) Put(projectID string, set domain.ReadySet) {
	set.FromCache = false
	c.lru.Add(projectID, set)
}

// Invalidate drops the project's entry. Called on every task status,
// artifact, review, or lease change touching the project.
func (c *ReadyCache) Invalidate(projectID string) {
	c.lru.Remove(projectID)
}

func (c *ReadyCache) Purge() {
	c.lru.Purge()
}
