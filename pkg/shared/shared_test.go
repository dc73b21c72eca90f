package shared

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type resource struct {
	id     int64
	closed atomic.Bool
}

func countingFactory(built, closed *atomic.Int64) *Factory[*resource] {
	return NewFactory(func() (*resource, error) {
		return &resource{id: built.Add(1)}, nil
	}, func(r *resource) {
		if r.closed.Swap(true) {
			panic("closed twice")
		}
		closed.Add(1)
	})
}

func TestConcurrentAcquireBuildsOnce(t *testing.T) {
	var built, closed atomic.Int64
	f := countingFactory(&built, &closed)

	const n = 64
	refs := make([]*Ref[*resource], n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ref, err := f.Acquire()
			if err != nil {
				t.Error(err)
				return
			}
			refs[i] = ref
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(1), built.Load())
	for _, r := range refs {
		require.Same(t, refs[0].Value(), r.Value())
	}

	for _, r := range refs {
		r.Release()
	}
	require.Equal(t, int64(1), closed.Load())
	require.False(t, f.Active())
}

func TestAcquireAfterTeardownRebuilds(t *testing.T) {
	var built, closed atomic.Int64
	f := countingFactory(&built, &closed)

	a, err := f.Acquire()
	require.NoError(t, err)
	first := a.Value()
	a.Release()
	a.Release()
	require.True(t, first.closed.Load())

	b, err := f.Acquire()
	require.NoError(t, err)
	defer b.Release()
	require.NotSame(t, first, b.Value())
	require.False(t, b.Value().closed.Load())
	require.Equal(t, int64(2), f.Builds())
}

func TestAcquireReleaseChurnNeverSeesClosedInstance(t *testing.T) {
	var built, closed atomic.Int64
	f := countingFactory(&built, &closed)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ref, err := f.Acquire()
				if err != nil {
					t.Error(err)
					return
				}
				if ref.Value().closed.Load() {
					t.Error("acquired a closed instance")
				}
				ref.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, built.Load(), closed.Load())
	require.False(t, f.Active())
}

func TestAcquireWaitsForTeardown(t *testing.T) {
	var live, maxLive atomic.Int64
	closing := make(chan struct{}, 1)
	f := NewFactory(func() (int64, error) {
		n := live.Add(1)
		for {
			m := maxLive.Load()
			if n <= m || maxLive.CompareAndSwap(m, n) {
				break
			}
		}
		return n, nil
	}, func(int64) {
		closing <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		live.Add(-1)
	})

	first, err := f.Acquire()
	require.NoError(t, err)
	released := make(chan struct{})
	go func() {
		first.Release()
		close(released)
	}()

	<-closing
	second, err := f.Acquire()
	require.NoError(t, err)
	<-released
	require.Equal(t, int64(1), maxLive.Load())
	require.Equal(t, int64(2), f.Builds())
	second.Release()
	<-closing
	require.False(t, f.Active())
}

func TestBuildErrorLeavesSlotAbsent(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	f := NewFactory(func() (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}
		return 42, nil
	}, nil)

	_, err := f.Acquire()
	require.ErrorIs(t, err, boom)
	require.False(t, f.Active())

	ref, err := f.Acquire()
	require.NoError(t, err)
	require.Equal(t, 42, ref.Value())
	ref.Release()
}

func TestRegistryOneFactoryPerKey(t *testing.T) {
	var builds atomic.Int64
	reg := NewRegistry(func(key string) BuildFunc[string] {
		return func() (string, error) {
			builds.Add(1)
			return "index:" + key, nil
		}
	}, nil)

	a, err := reg.Acquire("users")
	require.NoError(t, err)
	b, err := reg.Acquire("users")
	require.NoError(t, err)
	c, err := reg.Acquire("orders")
	require.NoError(t, err)

	require.Equal(t, "index:users", a.Value())
	require.Equal(t, "index:orders", c.Value())
	require.Equal(t, int64(2), builds.Load())
	require.Same(t, reg.Factory("users"), reg.Factory("users"))

	a.Release()
	b.Release()
	c.Release()
}
