package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[int64, string](10, 5*time.Minute)

	c.Set(1, "value1")
	val, ok := c.Get(1)
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[int64, string](10, 5*time.Minute)

	_, ok := c.Get(42)
	if ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[int64, string](10, 50*time.Millisecond)

	c.Set(1, "value1")
	time.Sleep(100 * time.Millisecond)

	_, ok := c.Get(1)
	if ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[int64, string](10, 5*time.Minute)

	c.Set(1, "value1")
	c.Delete(1)

	_, ok := c.Get(1)
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_EvictsOldest(t *testing.T) {
	c := cache.New[int64, string](2, 5*time.Minute)

	c.Set(1, "a")
	c.Set(2, "b")
	c.Set(3, "c")

	if _, ok := c.Get(1); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}
