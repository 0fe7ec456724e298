package cache_test

import (
	"testing"
	"time"

	"gantry/internal/cache"
	"gantry/internal/domain"
)

func readySet(projectID string, taskIDs ...string) domain.ReadySet {
	set := domain.ReadySet{ProjectID: projectID, ComputedAt: "2025-06-01T12:00:00Z"}
	for _, id := range taskIDs {
		set.Tasks = append(set.Tasks, domain.Task{ID: id, ProjectID: projectID})
	}
	return set
}

func TestGetMarksCacheHits(t *testing.T) {
	c := cache.New(4, time.Minute)
	if _, ok := c.Get("proj-1"); ok {
		t.Fatalf("hit on empty cache")
	}
	c.Put("proj-1", readySet("proj-1", "t-1", "t-2"))
	set, ok := c.Get("proj-1")
	if !ok || !set.FromCache {
		t.Fatalf("expected marked hit, got ok=%t from_cache=%t", ok, set.FromCache)
	}
	if len(set.Tasks) != 2 || set.Tasks[0].ID != "t-1" {
		t.Fatalf("cached set mangled: %+v", set.Tasks)
	}
}

func TestInvalidateDropsProject(t *testing.T) {
	c := cache.New(4, time.Minute)
	c.Put("proj-1", readySet("proj-1", "t-1"))
	c.Put("proj-2", readySet("proj-2", "t-9"))
	c.Invalidate("proj-1")
	if _, ok := c.Get("proj-1"); ok {
		t.Fatalf("invalidated entry still served")
	}
	if _, ok := c.Get("proj-2"); !ok {
		t.Fatalf("invalidation bled into another project")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := cache.New(2, time.Minute)
	c.Put("proj-1", readySet("proj-1"))
	c.Put("proj-2", readySet("proj-2"))
	c.Put("proj-3", readySet("proj-3"))
	if _, ok := c.Get("proj-1"); ok {
		t.Fatalf("capacity did not evict the oldest project")
	}
	if _, ok := c.Get("proj-3"); !ok {
		t.Fatalf("newest entry missing")
	}
}

func TestEntriesExpire(t *testing.T) {
	c := cache.New(4, 25*time.Millisecond)
	c.Put("proj-1", readySet("proj-1", "t-1"))
	if _, ok := c.Get("proj-1"); !ok {
		t.Fatalf("fresh entry missing")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("proj-1"); ok {
		t.Fatalf("expired entry still served")
	}
}
