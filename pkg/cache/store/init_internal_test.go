package store

import (
	"context"
	"testing"
	"time"
)

func TestLookupsSkipInitLockOnceInitialized(t *testing.T) {
	c, err := New(Config{Dir: t.TempDir(), MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Get(context.Background(), "https://example.com/missing.jpg")
		_ = c.Stats()
		_ = c.CurrentSize()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lookups blocked on the init lock after initialization")
	}
}
