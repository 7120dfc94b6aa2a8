package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLRU_SetGet(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: time.Minute})
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get = %d,%v want 1,true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss")
	}
}

func TestLRU_TTLExpiry(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expired read", c.Len())
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](Config{MaxSize: 2, TTL: time.Minute})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should survive")
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", st.Evictions)
	}
}

func TestLRU_GetOrLoadCollapsesConcurrentLoads(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: time.Minute})
	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad("k", "k", func() (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("GetOrLoad = %d,%v", v, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 10 {
		t.Fatalf("calls = %d", n)
	}
	// A second round is served from cache.
	before := calls.Load()
	if _, err := c.GetOrLoad("k", "k", func() (int, error) { calls.Add(1); return 0, nil }); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != before {
		t.Error("cached value was reloaded")
	}
}

func TestLRU_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: time.Minute})
	boom := errors.New("boom")
	if _, err := c.GetOrLoad("k", "k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Error("error result was cached")
	}
}

func TestLRU_DeleteDuringLoadDropsStaleResult(t *testing.T) {
	c := New[string, string](Config{MaxSize: 10, TTL: time.Minute})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan string)
	go func() {
		v, _ := c.GetOrLoad("k", "k", func() (string, error) {
			close(started)
			<-release
			return "old", nil
		})
		done <- v
	}()
	<-started
	c.Delete("k")

	// A caller arriving after the delete must not join the stale load.
	v, err := c.GetOrLoad("k", "k", func() (string, error) { return "new", nil })
	if err != nil || v != "new" {
		t.Fatalf("GetOrLoad after Delete = %q,%v, want new", v, err)
	}

	close(release)
	if got := <-done; got != "old" {
		t.Errorf("in-flight caller got %q, want old", got)
	}
	if got, ok := c.Get("k"); !ok || got != "new" {
		t.Errorf("Get = %q,%v, want new (stale load must not overwrite)", got, ok)
	}
}

func TestLRU_DeleteDuringLoadLeavesKeyEmpty(t *testing.T) {
	c := New[string, int](Config{MaxSize: 10, TTL: time.Minute})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrLoad("k", "k", func() (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started
	c.Delete("k")
	close(release)
	<-done

	if _, ok := c.Get("k"); ok {
		t.Error("value loaded before Delete was cached")
	}
	// Once no load is in flight the key caches normally again.
	if _, err := c.GetOrLoad("k", "k", func() (int, error) { return 2, nil }); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("k"); !ok || v != 2 {
		t.Errorf("Get = %d,%v, want 2", v, ok)
	}
}
