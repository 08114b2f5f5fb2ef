package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrollo/pkg/platform/sentinel"
)

func TestGroup_ConcurrentCallersShareOneRun(t *testing.T) {
	g := New()
	var runs atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{})

	fn := func(context.Context) (any, error) {
		if runs.Add(1) == 1 {
			close(entered)
		}
		<-release
		return "booking-1", nil
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]any, callers)
	shared := make([]bool, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], shared[0], _ = g.Do(context.Background(), "parent-1|blackhawk", fn)
	}()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], shared[i], _ = g.Do(context.Background(), "parent-1|blackhawk", fn)
		}(i)
	}
	require.Eventually(t, func() bool { return g.InFlight("parent-1|blackhawk") == callers }, time.Second, time.Millisecond)
	// Let the late callers reach the singleflight wait before the run ends.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for i := range callers {
		assert.Equal(t, "booking-1", results[i])
		assert.True(t, shared[i])
	}
	assert.Zero(t, g.InFlight("parent-1|blackhawk"))
}

func TestGroup_DistinctKeysRunIndependently(t *testing.T) {
	g := New()
	var runs atomic.Int32
	fn := func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	}
	_, _, err := g.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	_, _, err = g.Do(context.Background(), "b", fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestGroup_PanicBecomesErrorAndReleasesLock(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	g := New(WithLocker(locker, time.Minute))

	_, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		panic("driver exploded")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver exploded")
	assert.False(t, locker.isHeld("k"))
	assert.Equal(t, 1, locker.releases)
}

func TestGroup_LockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"k": true}}
	g := New(WithLocker(locker, time.Minute))

	called := false
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, sentinel.ErrLockHeld)
	assert.False(t, called)
}

func TestGroup_Claim(t *testing.T) {
	ctx := context.Background()

	t.Run("held by a peer instance", func(t *testing.T) {
		g := New(WithLocker(&fakeLocker{held: map[string]bool{"parent-1|blackhawk": true}}, time.Minute))
		_, err := g.Claim(ctx, "parent-1|blackhawk")
		assert.ErrorIs(t, err, sentinel.ErrLockHeld)
	})

	t.Run("held by a local run", func(t *testing.T) {
		g := New()
		entered := make(chan struct{})
		done := make(chan struct{})
		go func() {
			_, _, _ = g.Do(ctx, "parent-1|blackhawk", func(context.Context) (any, error) {
				close(entered)
				<-done
				return nil, nil
			})
		}()
		<-entered
		_, err := g.Claim(ctx, "parent-1|blackhawk")
		assert.ErrorIs(t, err, sentinel.ErrLockHeld)
		close(done)
		require.Eventually(t, func() bool { return g.InFlight("parent-1|blackhawk") == 0 }, time.Second, time.Millisecond)
	})

	t.Run("free key is locked until released", func(t *testing.T) {
		locker := &fakeLocker{held: map[string]bool{}}
		g := New(WithLocker(locker, time.Minute))
		release, err := g.Claim(ctx, "parent-1|blackhawk")
		require.NoError(t, err)
		assert.True(t, locker.isHeld("parent-1|blackhawk"))
		require.NoError(t, release(ctx))
		assert.False(t, locker.isHeld("parent-1|blackhawk"))
	})

	t.Run("no locker", func(t *testing.T) {
		release, err := New().Claim(ctx, "k")
		require.NoError(t, err)
		assert.NoError(t, release(ctx))
	})
}

func TestGroup_ErrorPropagates(t *testing.T) {
	g := New()
	boom := errors.New("boom")
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	releases int
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, sentinel.ErrLockHeld)
	}
	f.held[key] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
		f.releases++
		return nil
	}, nil
}

func (f *fakeLocker) isHeld(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[key]
}
