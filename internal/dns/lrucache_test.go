package dns

import (
	"testing"
	"time"
)

func TestLRUCacheSetGet(t *testing.T) {
	c := NewLRUCache(2)
	c.Set("a.example.org", []string{"1.1.1.1"}, time.Minute)

	addrs, ok := c.Get("a.example.org")
	if !ok || len(addrs) != 1 || addrs[0] != "1.1.1.1" {
		t.Fatalf("Get = %v, %v", addrs, ok)
	}

	if _, ok := c.Get("missing.example.org"); ok {
		t.Error("expected miss for unknown name")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(2)
	c.Set("a", []string{"1.1.1.1"}, time.Minute)
	c.Set("b", []string{"2.2.2.2"}, time.Minute)
	c.Set("c", []string{"3.3.3.3"}, time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry missing")
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	c := NewLRUCache(4)
	c.Set("a", []string{"1.1.1.1"}, -time.Second)
	if _, ok := c.Get("a"); ok {
		t.Error("expired entry served")
	}
}

func TestLRUCacheOverwrite(t *testing.T) {
	c := NewLRUCache(4)
	c.Set("a", []string{"1.1.1.1"}, time.Minute)
	c.Set("a", []string{"2.2.2.2"}, time.Minute)

	addrs, ok := c.Get("a")
	if !ok || addrs[0] != "2.2.2.2" {
		t.Fatalf("Get after overwrite = %v, %v", addrs, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len after overwrite = %d", c.Len())
	}
}
