package retention

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/store"
)

// countingStore counts the retention deletes that reach the store.
type countingStore struct {
	store.Store
	sweeps atomic.Int32
}

func (c *countingStore) DeleteOlderThan(ctx context.Context, days int) (int64, int64, error) {
	c.sweeps.Add(1)
	return c.Store.DeleteOlderThan(ctx, days)
}

func TestDisabledRetentionReturnsImmediately(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	s := NewSweeper(st, 0, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper did not return")
	}
}

func TestSweepRunsOnceAtStart(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cs := &countingStore{Store: st}
	s := NewSweeper(cs, 14, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// The startup sweep happens before the first tick; cancel right after.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
	if got := cs.sweeps.Load(); got != 1 {
		t.Fatalf("startup sweeps = %d, want 1", got)
	}
}
