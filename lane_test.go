package memlanes

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLane_capacityValidation(t *testing.T) {
	for _, capacity := range []int64{0, -1, MaxLaneCapacity + 1} {
		_, err := NewHeapLane(capacity, nil)
		assert.ErrorIs(t, err, ErrSizeOutOfRange, `capacity %d`, capacity)
	}

	lane, err := NewHeapLane(1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lane.Capacity())
	assert.Equal(t, BackingHeap, lane.Backing())
}

func TestLane_allocBumpsOffset(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)

	a, err := lane.Alloc(100, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(0), a.Start())
	assert.Equal(t, int64(100), a.Len())

	b, err := lane.Alloc(200, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(100), b.Start())

	assert.Equal(t, int64(300), lane.Offset())
	assert.Equal(t, int64(2), lane.Allocations())
	assert.Equal(t, int64(0), lane.Cycle())
	assert.False(t, lane.LastAllocTick().IsZero())
}

func TestLane_allocStrictBoundary(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)

	f, err := lane.Alloc(1000, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f, `whole-capacity alloc on an empty lane`)

	g, err := lane.Alloc(1, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, g, `the lane is exactly full`)

	require.NoError(t, f.Dispose())
	assert.Equal(t, int64(0), lane.Offset())
}

func TestLane_allocZeroSize(t *testing.T) {
	lane, err := NewHeapLane(100, nil)
	require.NoError(t, err)

	f, err := lane.Alloc(0, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, int64(0), f.Len())
	assert.Equal(t, int64(1), lane.Allocations())

	require.NoError(t, f.Dispose())
	require.NoError(t, f.Dispose(), `idempotent`)
	assert.Equal(t, int64(0), lane.Allocations())
	assert.Equal(t, int64(1), lane.Cycle(), `single decrement, single reset`)
}

func TestLane_allocNegativeSize(t *testing.T) {
	lane, err := NewHeapLane(100, nil)
	require.NoError(t, err)
	_, err = lane.Alloc(-1, 1, 0)
	assert.ErrorIs(t, err, ErrMissingOrInvalidArgument)
}

func TestLane_closedRefusesAlloc(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)

	lane.Force(true, false)
	assert.True(t, lane.Closed())
	f, err := lane.Alloc(10, 4, 0)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, int64(0), lane.Offset(), `no offset movement while closed`)

	lane.Force(false, false)
	f, err = lane.Alloc(10, 4, 0)
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestLane_resetViaDisposeOrder(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)

	a, err := lane.Alloc(100, 1, 0)
	require.NoError(t, err)
	b, err := lane.Alloc(100, 1, 0)
	require.NoError(t, err)
	c, err := lane.Alloc(100, 1, 0)
	require.NoError(t, err)

	require.NoError(t, c.Dispose())
	assert.Equal(t, int64(2), lane.Allocations())
	assert.Equal(t, int64(0), lane.Cycle())

	require.NoError(t, a.Dispose())
	assert.Equal(t, int64(1), lane.Allocations())
	assert.Equal(t, int64(0), lane.Cycle())

	require.NoError(t, b.Dispose())
	assert.Equal(t, int64(0), lane.Allocations())
	assert.Equal(t, int64(1), lane.Cycle(), `cycle increments exactly once per reset`)
	assert.Equal(t, int64(0), lane.Offset())
}

func TestLane_negativeResetDetected(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)

	f, err := lane.Alloc(100, 1, 0)
	require.NoError(t, err)

	// forced reset underneath a live fragment: its dispose must surface the
	// invariant violation rather than corrupting the count
	lane.Force(false, true)
	assert.Equal(t, int64(1), lane.Cycle())
	assert.ErrorIs(t, f.Dispose(), ErrLaneNegativeReset)
	assert.Equal(t, int64(0), lane.Allocations())
}

func TestLane_format(t *testing.T) {
	lane, err := NewHeapLane(64, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, lane.Format(bytes.NewReader(nil), 65), ErrSizeOutOfRange)
	assert.ErrorIs(t, lane.Format(nil, 1), ErrMissingOrInvalidArgument)

	src := bytes.Repeat([]byte{0xA5}, 48)
	require.NoError(t, lane.Format(bytes.NewReader(src), 48))
	assert.False(t, lane.Closed(), `reopened after format`)
	assert.Equal(t, int64(0), lane.Offset())
	assert.Equal(t, src, lane.GetAllBytes()[:48])
}

func TestLane_disposeIdempotent(t *testing.T) {
	lane, err := NewHeapLane(1000, nil)
	require.NoError(t, err)
	require.NoError(t, lane.Dispose())
	assert.True(t, lane.Disposed())
	assert.True(t, lane.Closed(), `disposed implies closed`)
	require.NoError(t, lane.Dispose())

	f, err := lane.Alloc(10, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestLane_concurrentAllocDisjoint(t *testing.T) {
	lane, err := NewHeapLane(1<<20, nil)
	require.NoError(t, err)

	const (
		workers = 16
		perG    = 64
		size    = 128
	)
	var mu sync.Mutex
	var fragments []*Fragment
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perG {
				f, err := lane.Alloc(size, 16, time.Second)
				if err != nil {
					t.Errorf(`alloc: %v`, err)
					return
				}
				if f == nil {
					continue
				}
				mu.Lock()
				fragments = append(fragments, f)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, fragments)
	assert.Equal(t, int64(len(fragments)), lane.Allocations())

	starts := make(map[int64]struct{}, len(fragments))
	for _, f := range fragments {
		if _, dup := starts[f.Start()]; dup {
			t.Fatalf(`overlapping fragments at start %d`, f.Start())
		}
		starts[f.Start()] = struct{}{}
		assert.LessOrEqual(t, f.Start()+f.Len(), lane.Capacity())
	}

	for _, f := range fragments {
		require.NoError(t, f.Dispose())
	}
	assert.Equal(t, int64(0), lane.Allocations())
	assert.Equal(t, int64(0), lane.Offset())
	assert.Equal(t, int64(1), lane.Cycle())
}

func TestUnmanagedLane_roundTrip(t *testing.T) {
	lane, err := NewUnmanagedLane(1<<16, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, lane.Dispose()) }()

	assert.Equal(t, BackingUnmanaged, lane.Backing())

	f, err := lane.Alloc(256, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f)

	src := bytes.Repeat([]byte{0x5A}, 256)
	_, err = f.Write(src, 0, len(src))
	require.NoError(t, err)

	dst := make([]byte, 256)
	_, err = f.Read(dst, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, src, dst)

	require.NoError(t, f.Dispose())
}

func TestMappedLane_fileLifecycle(t *testing.T) {
	lane, err := NewMappedLane(4096, ``, nil)
	require.NoError(t, err)
	assert.Equal(t, BackingMapped, lane.Backing())

	path := lane.store.path
	require.NotEmpty(t, path)
	_, err = os.Stat(path)
	require.NoError(t, err, `backing file exists while the lane is live`)

	f, err := lane.Alloc(128, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f)
	span, err := f.Span()
	require.NoError(t, err)
	copy(span, `mapped lane bytes`)
	require.NoError(t, f.Dispose())

	require.NoError(t, lane.Dispose())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), `backing file deleted on dispose`)
}

func TestMappedLane_explicitPath(t *testing.T) {
	path := t.TempDir() + `/lane.dat`
	lane, err := NewMappedLane(1024, path, nil)
	require.NoError(t, err)
	assert.Equal(t, path, lane.store.path)
	require.NoError(t, lane.Dispose())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
