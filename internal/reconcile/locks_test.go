package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexMutualExclusion(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Acquire(ctx, "conv-1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "at most one holder per key at any time")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	releaseA, err := km.Acquire(ctx, "conv-a")
	require.NoError(t, err)
	defer releaseA()

	// A held lock on one key must not block another key.
	done := make(chan struct{})
	go func() {
		releaseB, err := km.Acquire(ctx, "conv-b")
		assert.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring an independent key blocked")
	}
}

func TestKeyedMutexContextCancelled(t *testing.T) {
	km := NewKeyedMutex()

	release, err := km.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(ctx, "conv-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	// The key must be usable again after the failed wait.
	release2, err := km.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)
	release2()
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	release, err := km.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	release()
	release() // second call must not unlock someone else's hold

	releaseA, err := km.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	defer releaseA()

	ctx2, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = km.Acquire(ctx2, "conv-1")
	assert.Error(t, err, "the lock must still be held despite the double release")
}

func TestKeyedMutexEntriesAreReclaimed(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		release, err := km.Acquire(ctx, "conv-1")
		require.NoError(t, err)
		release()
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "unused entries must be removed from the table")
}
