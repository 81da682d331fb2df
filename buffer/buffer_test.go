package buffer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/autoguider/buffer"
	"github.jpl.nasa.gov/bdube/autoguider/config"
)

func TestLockUnlockSymmetry(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Field, 16, 16, 1, 1))
	for _, s := range []buffer.Stream{buffer.Field, buffer.Guide} {
		for idx := 0; idx < buffer.SlotCount; idx++ {
			_, err := m.LockRaw(s, idx)
			require.NoError(t, err)
			require.NoError(t, m.UnlockRaw(s, idx))
			_, err = m.LockReduced(s, idx)
			require.NoError(t, err)
			require.NoError(t, m.UnlockReduced(s, idx))
		}
	}
}

func TestUnlockWithoutLockIsRejected(t *testing.T) {
	m := buffer.New()
	err := m.UnlockRaw(buffer.Guide, 0)
	assert.True(t, errors.Is(err, buffer.ErrNotLocked))
	err = m.UnlockReduced(buffer.Field, 1)
	assert.True(t, errors.Is(err, buffer.ErrNotLocked))

	_, err = m.LockRaw(buffer.Field, 0)
	require.NoError(t, err)
	require.NoError(t, m.UnlockRaw(buffer.Field, 0))
	// a second unlock of the same slot is also rejected
	assert.True(t, errors.Is(m.UnlockRaw(buffer.Field, 0), buffer.ErrNotLocked))
}

func TestSlotOutOfRange(t *testing.T) {
	m := buffer.New()
	_, err := m.LockRaw(buffer.Field, buffer.SlotCount)
	assert.True(t, errors.Is(err, buffer.ErrSlotOutOfRange))
	_, err = m.LockReduced(buffer.Field, -1)
	assert.True(t, errors.Is(err, buffer.ErrSlotOutOfRange))
	_, err = m.LockRaw(buffer.Stream(7), 0)
	assert.True(t, errors.Is(err, buffer.ErrBadStream))
}

func TestCopyRoundTrip(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Guide, 8, 4, 1, 1))
	for _, v := range []uint16{0, 1, 65535} {
		raw, err := m.LockRaw(buffer.Guide, 1)
		require.NoError(t, err)
		for i := range raw {
			raw[i] = v
		}
		require.NoError(t, m.UnlockRaw(buffer.Guide, 1))

		require.NoError(t, m.CopyRawToReduced(buffer.Guide, 1))
		out := make([]float32, 32)
		require.NoError(t, m.ReducedCopy(buffer.Guide, 1, out))
		for i, got := range out {
			if got != float32(v) {
				t.Errorf("expected %v at %d got %v", float32(v), i, got)
				break
			}
		}
	}
}

func TestCopyDestinationChecks(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Field, 8, 8, 2, 2))
	assert.True(t, errors.Is(m.RawCopy(buffer.Field, 0, nil), buffer.ErrNilDestination))
	assert.True(t, errors.Is(m.ReducedCopy(buffer.Field, 0, nil), buffer.ErrNilDestination))
	assert.True(t, errors.Is(m.RawCopy(buffer.Field, 0, make([]uint16, 64)), buffer.ErrLengthMismatch))
	assert.NoError(t, m.RawCopy(buffer.Field, 0, make([]uint16, 16)))
}

func TestResizeBinned(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Field, 1024, 1024, 1, 1))
	require.NoError(t, m.Resize(buffer.Field, 1024, 1024, 2, 2))
	g, err := m.Geometry(buffer.Field)
	require.NoError(t, err)
	assert.Equal(t, 512, g.BinnedNCols)
	assert.Equal(t, 512, g.BinnedNRows)
	for idx := 0; idx < buffer.SlotCount; idx++ {
		raw, err := m.LockRaw(buffer.Field, idx)
		require.NoError(t, err)
		assert.Len(t, raw, 512*512)
		require.NoError(t, m.UnlockRaw(buffer.Field, idx))
		red, err := m.LockReduced(buffer.Field, idx)
		require.NoError(t, err)
		assert.Len(t, red, 512*512)
		require.NoError(t, m.UnlockReduced(buffer.Field, idx))
	}
}

func TestResizeRejectsBadDimensions(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Guide, 10, 10, 1, 1))
	assert.True(t, errors.Is(m.Resize(buffer.Guide, 0, 10, 1, 1), buffer.ErrBadDimensions))
	assert.True(t, errors.Is(m.Resize(buffer.Guide, 10, 10, 0, 1), buffer.ErrBadDimensions))
	assert.True(t, errors.Is(m.Resize(buffer.Guide, 1, 10, 2, 1), buffer.ErrBadDimensions))
	g, _ := m.Geometry(buffer.Guide)
	assert.Equal(t, 10, g.BinnedNCols, "failed resize must keep the previous storage")
}

func TestResizeWaitsForHolder(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Guide, 10, 10, 1, 1))
	raw, err := m.LockRaw(buffer.Guide, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.Resize(buffer.Guide, 20, 20, 1, 1))
	}()
	time.Sleep(20 * time.Millisecond)
	// the holder still sees its own, unresized frame
	assert.Len(t, raw, 100)
	require.NoError(t, m.UnlockRaw(buffer.Guide, 0))
	wg.Wait()
	g, _ := m.Geometry(buffer.Guide)
	assert.Equal(t, 20, g.BinnedNCols)
}

func TestMetadataWhileRawHeld(t *testing.T) {
	m := buffer.New()
	require.NoError(t, m.Resize(buffer.Field, 4, 4, 1, 1))
	_, err := m.LockRaw(buffer.Field, 1)
	require.NoError(t, err)
	md := buffer.Metadata{Start: time.Unix(100, 0), LengthMs: 250, Temperature: -40}
	require.NoError(t, m.SetMetadata(buffer.Field, 1, md))
	require.NoError(t, m.UnlockRaw(buffer.Field, 1))
	got, err := m.Metadata(buffer.Field, 1)
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestInitialiseFromConfig(t *testing.T) {
	cfg := config.FromMap(map[string]interface{}{
		"ccd.field.ncols":     1024,
		"ccd.field.nrows":     1024,
		"ccd.field.x_bin":     2,
		"ccd.field.y_bin":     2,
		"guide.ncols.default": 100,
		"guide.nrows.default": 80,
	})
	m := buffer.New()
	require.NoError(t, m.Initialise(cfg))
	g, _ := m.Geometry(buffer.Field)
	assert.Equal(t, 512, g.BinnedNCols)
	g, _ = m.Geometry(buffer.Guide)
	assert.Equal(t, 100, g.BinnedNCols)
	assert.Equal(t, 80, g.BinnedNRows)
}
