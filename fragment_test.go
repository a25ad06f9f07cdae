package memlanes

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFragment(t *testing.T, capacity, size int64) (*Lane, *Fragment) {
	t.Helper()
	lane, err := NewHeapLane(capacity, nil)
	require.NoError(t, err)
	f, err := lane.Alloc(size, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, f)
	return lane, f
}

func TestFragment_writeReadRoundTrip(t *testing.T) {
	_, f := testFragment(t, 1024, 64)

	buf := bytes.Repeat([]byte{1, 2, 3, 4}, 16)
	n, err := f.Write(buf, 0, len(buf))
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	out := make([]byte, len(buf))
	n, err = f.Read(out, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, buf, out)
}

func TestFragment_sequentialWrites(t *testing.T) {
	_, f := testFragment(t, 1024, 10)

	off, err := f.Write([]byte(`hello`), 0, 5)
	require.NoError(t, err)
	off, err = f.Write([]byte(`world`), off, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, off)

	span, err := f.Span()
	require.NoError(t, err)
	assert.Equal(t, []byte(`helloworld`), span)
}

func TestFragment_readPartial(t *testing.T) {
	_, f := testFragment(t, 1024, 8)
	_, err := f.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 8)
	require.NoError(t, err)

	// dst shorter than the remaining fragment
	dst := make([]byte, 3)
	n, err := f.Read(dst, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{3, 4, 5}, dst)

	// fragment tail shorter than dst
	dst = make([]byte, 16)
	n, err = f.Read(dst, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{7, 8}, dst[4:6])
}

func TestFragment_boundsValidation(t *testing.T) {
	_, f := testFragment(t, 1024, 8)
	buf := make([]byte, 16)

	for name, fn := range map[string]func() error{
		`write negative off`:      func() error { _, err := f.Write(buf, -1, 1); return err },
		`write negative length`:   func() error { _, err := f.Write(buf, 0, -1); return err },
		`write beyond src`:        func() error { _, err := f.Write(buf[:2], 0, 3); return err },
		`write beyond fragment`:   func() error { _, err := f.Write(buf, 4, 5); return err },
		`write nil src`:           func() error { _, err := f.Write(nil, 0, 0); return err },
		`read negative off`:       func() error { _, err := f.Read(buf, -1, 0); return err },
		`read off past fragment`:  func() error { _, err := f.Read(buf, 9, 0); return err },
		`read negative dstOff`:    func() error { _, err := f.Read(buf, 0, -1); return err },
		`read dstOff past dst`:    func() error { _, err := f.Read(buf, 0, 17); return err },
		`read nil dst`:            func() error { _, err := f.Read(nil, 0, 0); return err },
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), ErrMissingOrInvalidArgument)
		})
	}
}

func TestFragment_spanMutationIsVisible(t *testing.T) {
	_, f := testFragment(t, 1024, 4)
	span, err := f.Span()
	require.NoError(t, err)
	require.Len(t, span, 4)
	copy(span, []byte{9, 8, 7, 6})

	out := make([]byte, 4)
	_, err = f.Read(out, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7, 6}, out)
}

func TestFragment_accessChecks(t *testing.T) {
	t.Run(`wrong cycle`, func(t *testing.T) {
		lane, f := testFragment(t, 1024, 8)
		lane.Force(false, true)
		_, err := f.Write(make([]byte, 8), 0, 8)
		assert.ErrorIs(t, err, ErrAttemptToAccessWrongLaneCycle)
		_, err = f.Span()
		assert.ErrorIs(t, err, ErrAttemptToAccessWrongLaneCycle)
	})

	t.Run(`closed lane`, func(t *testing.T) {
		lane, f := testFragment(t, 1024, 8)
		lane.Force(true, false)
		_, err := f.Read(make([]byte, 8), 0, 0)
		assert.ErrorIs(t, err, ErrAttemptToAccessClosedLane)
	})

	t.Run(`disposed lane`, func(t *testing.T) {
		lane, f := testFragment(t, 1024, 8)
		require.NoError(t, lane.Dispose())
		_, err := f.Span()
		assert.ErrorIs(t, err, ErrAttemptToAccessDisposedLane)
	})

	t.Run(`disposed fragment`, func(t *testing.T) {
		_, f := testFragment(t, 1024, 8)
		require.NoError(t, f.Dispose())
		_, err := f.Span()
		assert.ErrorIs(t, err, ErrObjectDisposed)
	})

	t.Run(`toggled off`, func(t *testing.T) {
		lane, f := testFragment(t, 1024, 8)
		lane.Force(false, true)
		assert.True(t, f.AccessChecks())
		f.SetAccessChecks(false)
		_, err := f.Write(make([]byte, 8), 0, 8)
		assert.NoError(t, err, `checks disabled`)
	})
}

func TestFragment_disposeIdempotent(t *testing.T) {
	lane, f := testFragment(t, 1024, 8)
	for range 3 {
		require.NoError(t, f.Dispose())
	}
	assert.True(t, f.Disposed())
	assert.Equal(t, int64(0), lane.Allocations())
	assert.Equal(t, int64(1), lane.Cycle())
}

func TestFragment_accessors(t *testing.T) {
	lane, f := testFragment(t, 1024, 8)
	assert.Equal(t, int64(8), f.Len())
	assert.Equal(t, int64(0), f.Start())
	assert.Equal(t, int64(0), f.Cycle())
	assert.Same(t, lane, f.Lane())
}
