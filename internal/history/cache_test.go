package history

import "testing"

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	a := Key{UserID: "a", ModelName: "m"}
	b := Key{UserID: "b", ModelName: "m"}
	d := Key{UserID: "d", ModelName: "m"}

	c.Put(a, Record{UserID: "a", ModelName: "m"})
	c.Put(b, Record{UserID: "b", ModelName: "m"})

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a should be cached")
	}
	c.Put(d, Record{UserID: "d", ModelName: "m"})

	if _, ok := c.Get(b); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a should survive eviction")
	}
	if _, ok := c.Get(d); !ok {
		t.Fatalf("d should be cached")
	}
	if got := c.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}

func TestCacheWriteRefreshesRecency(t *testing.T) {
	c := NewCache(2)
	a := Key{UserID: "a", ModelName: "m"}
	b := Key{UserID: "b", ModelName: "m"}
	d := Key{UserID: "d", ModelName: "m"}

	c.Put(a, Record{UserID: "a"})
	c.Put(b, Record{UserID: "b"})
	c.Put(a, Record{UserID: "a"})
	c.Put(d, Record{UserID: "d"})

	if _, ok := c.Get(b); ok {
		t.Fatalf("b should have been evicted after a was rewritten")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatalf("a should still be cached")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(4)
	key := Key{UserID: "a", ModelName: "m"}
	c.Put(key, Record{UserID: "a", ModelName: "m", Turns: []Turn{{Role: RoleUser, Content: "hi"}}})

	got, _ := c.Get(key)
	got.Turns[0].Content = "mutated"

	again, _ := c.Get(key)
	if again.Turns[0].Content != "hi" {
		t.Fatalf("caller mutation leaked into cache: %q", again.Turns[0].Content)
	}
}

func TestCacheDeleteIsIdempotent(t *testing.T) {
	c := NewCache(4)
	key := Key{UserID: "a", ModelName: "m"}
	c.Put(key, Record{UserID: "a"})
	c.Delete(key)
	c.Delete(key)
	if _, ok := c.Get(key); ok {
		t.Fatalf("entry survived delete")
	}
}
