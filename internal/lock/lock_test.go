package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tradecore/engine/internal/lock"
)

func TestMemoryLockerExecutesFn(t *testing.T) {
	l := lock.NewMemoryLocker()
	ran := false
	err := l.ExecuteWithLock(context.Background(), "BTCUSDT:LONG", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)
}

func TestMemoryLockerPropagatesFnError(t *testing.T) {
	l := lock.NewMemoryLocker()
	want := errors.New("boom")
	err := l.ExecuteWithLock(context.Background(), "BTCUSDT:LONG", func(ctx context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}

func TestMemoryLockerRejectsCancelledContext(t *testing.T) {
	l := lock.NewMemoryLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := l.ExecuteWithLock(ctx, "BTCUSDT:LONG", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestMemoryLockerSerializesSameKey(t *testing.T) {
	l := lock.NewMemoryLocker()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ExecuteWithLock(context.Background(), "BTCUSDT:LONG", func(ctx context.Context) error {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive, "only one goroutine should hold the per-key lock at a time")
}

func TestMemoryLockerAllowsConcurrentDifferentKeys(t *testing.T) {
	l := lock.NewMemoryLocker()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	for _, key := range []string{"BTCUSDT:LONG", "ETHUSDT:SHORT"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ExecuteWithLock(context.Background(), key, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both distinct-key locks to start concurrently")
		}
	}
	close(release)
	wg.Wait()
}
