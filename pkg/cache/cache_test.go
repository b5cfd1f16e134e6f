package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheGetLoadsOnce(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	var loads int32
	loader := func(ctx context.Context, key string) (interface{}, bool, error) {
		atomic.AddInt32(&loads, 1)
		return "value-" + key, true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, ok, err := c.Get(context.Background(), "k", loader)
			if err != nil || !ok || val != "value-k" {
				t.Errorf("Get = %v, %v, %v", val, ok, err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}

	// Hit served from cache, no new load.
	if _, _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Errorf("loads after hit = %d, want 1", got)
	}
}

func TestCacheLoaderError(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	wantErr := errors.New("upstream down")
	loader := func(ctx context.Context, key string) (interface{}, bool, error) {
		return nil, false, wantErr
	}

	_, ok, err := c.Get(context.Background(), "k", loader)
	if ok {
		t.Error("expected miss")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}

	// Errors are not cached.
	if _, found := c.Peek("k"); found {
		t.Error("error result should not be cached")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	c.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Peek("k"); ok {
		t.Error("expected expired entry to be gone")
	}
}

func TestCacheEviction(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 2})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)

	if _, ok := c.Peek("a"); ok {
		t.Error("expected oldest entry evicted")
	}
	if _, ok := c.Peek("c"); !ok {
		t.Error("expected newest entry present")
	}
}
