package calib_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
)

// memLoader serves frames from a map and counts loads
type memLoader struct {
	frames map[string]calib.Frame
	loads  int
}

func (m *memLoader) Load(fn string) (calib.Frame, error) {
	m.loads++
	f, ok := m.frames[fn]
	if !ok {
		return calib.Frame{}, os.ErrNotExist
	}
	return f, nil
}

func constFrame(ncols, nrows int, v float32) calib.Frame {
	d := make([]float32, ncols*nrows)
	for i := range d {
		d[i] = v
	}
	return calib.Frame{NAxis: 2, NCols: ncols, NRows: nrows, Data: d}
}

func darkConfig() *config.Config {
	return config.FromMap(map[string]interface{}{
		"dark.exposure_length.0": 400,
		"dark.exposure_length.1": 100,
		"dark.exposure_length.2": 800,
		"dark.exposure_length.3": 200,
		"dark.filename.1.1.100":  "d100",
		"dark.filename.1.1.200":  "d200",
		"flat.filename.1.1":      "f11",
	})
}

func TestNearestExposureLength(t *testing.T) {
	d := calib.NewDark(darkConfig(), &memLoader{})
	require.NoError(t, d.Initialise())
	assert.Equal(t, []int{100, 200, 400, 800}, d.ExposureLengths())

	cases := []struct{ in, want, idx int }{
		{150, 100, 0}, // tie goes to the shorter length
		{151, 200, 1},
		{0, 100, 0},
		{5000, 800, 3},
		{600, 400, 2},
	}
	for _, c := range cases {
		got, idx, err := d.Nearest(c.in)
		require.NoError(t, err)
		if got != c.want || idx != c.idx {
			t.Errorf("expected %d (index %d) for %d got %d (index %d)", c.want, c.idx, c.in, got, idx)
		}
	}
}

func TestInitialiseNeedsLengths(t *testing.T) {
	d := calib.NewDark(config.FromMap(map[string]interface{}{}), &memLoader{})
	assert.True(t, errors.Is(d.Initialise(), calib.ErrNoExposureLengths))
	_, _, err := d.Nearest(10)
	assert.True(t, errors.Is(err, calib.ErrNoExposureLengths))
}

func TestDarkSetIsLazy(t *testing.T) {
	l := &memLoader{frames: map[string]calib.Frame{
		"d100": constFrame(8, 4, 10),
		"d200": constFrame(8, 4, 20),
	}}
	d := calib.NewDark(darkConfig(), l)
	require.NoError(t, d.Set(8, 4, 1, 1, 100))
	require.NoError(t, d.Set(8, 4, 1, 1, 100))
	assert.Equal(t, 1, l.loads)
	require.NoError(t, d.Set(8, 4, 1, 1, 200))
	assert.Equal(t, 2, l.loads)
}

func TestDarkSetErrors(t *testing.T) {
	l := &memLoader{frames: map[string]calib.Frame{"d100": constFrame(8, 4, 10)}}
	d := calib.NewDark(darkConfig(), l)
	assert.True(t, errors.Is(d.Set(8, 4, 0, 1, 100), calib.ErrDarkXBin))
	assert.True(t, errors.Is(d.Set(8, 4, 1, 0, 100), calib.ErrDarkYBin))
	assert.True(t, errors.Is(d.Set(8, 4, 1, 1, -1), calib.ErrDarkExposureLength))
	assert.True(t, errors.Is(d.Set(8, 4, 1, 1, 400), calib.ErrDarkFilename))
	assert.True(t, errors.Is(d.Set(9, 4, 1, 1, 100), calib.ErrDarkNCols))
	assert.True(t, errors.Is(d.Set(8, 5, 1, 1, 100), calib.ErrDarkNRows))
	assert.True(t, errors.Is(d.Set(8, 4, 1, 1, 200), calib.ErrDarkLoad))
}

func TestDarkSubtractDoesNotClamp(t *testing.T) {
	l := &memLoader{frames: map[string]calib.Frame{"d100": constFrame(8, 4, 10)}}
	d := calib.NewDark(darkConfig(), l)
	assert.True(t, errors.Is(d.Subtract(make([]float32, 32), 8, 4, nil), calib.ErrDarkNotLoaded))
	require.NoError(t, d.Set(8, 4, 1, 1, 100))

	buf := make([]float32, 32)
	buf[0] = 15
	require.NoError(t, d.Subtract(buf, 8, 4, nil))
	assert.Equal(t, float32(5), buf[0])
	assert.Equal(t, float32(-10), buf[1])

	assert.True(t, errors.Is(d.Subtract(make([]float32, 31), 8, 4, nil), calib.ErrDarkFrameSize))
	assert.True(t, errors.Is(d.Subtract(make([]float32, 32), 4, 8, nil), calib.ErrDarkNColsMismatch))
}

func TestDarkSubtractWindowed(t *testing.T) {
	fr := constFrame(8, 4, 0)
	for i := range fr.Data {
		fr.Data[i] = float32(i)
	}
	l := &memLoader{frames: map[string]calib.Frame{"d100": fr}}
	d := calib.NewDark(darkConfig(), l)
	require.NoError(t, d.Set(8, 4, 1, 1, 100))

	w := camera.Window{XStart: 2, YStart: 1, XEnd: 4, YEnd: 2}
	buf := make([]float32, w.PixelCount())
	require.NoError(t, d.Subtract(buf, 0, 0, &w))
	// first pixel of the window is dark pixel (2, 1) = 1*8+2
	assert.Equal(t, float32(-10), buf[0])
	assert.Equal(t, float32(-18), buf[3]) // (2, 2)

	w = camera.Window{XStart: 6, YStart: 0, XEnd: 8, YEnd: 1}
	assert.True(t, errors.Is(d.Subtract(make([]float32, w.PixelCount()), 0, 0, &w), calib.ErrDarkWindowX))
	w = camera.Window{XStart: 0, YStart: 2, XEnd: 1, YEnd: 4}
	assert.True(t, errors.Is(d.Subtract(make([]float32, w.PixelCount()), 0, 0, &w), calib.ErrDarkWindowY))
	w = camera.Window{XStart: 0, YStart: 0, XEnd: 1, YEnd: 1}
	assert.True(t, errors.Is(d.Subtract(make([]float32, 5), 0, 0, &w), calib.ErrDarkWindowSize))
}

func TestFlatOfOnesIsIdempotent(t *testing.T) {
	l := &memLoader{frames: map[string]calib.Frame{"f11": constFrame(8, 4, 1)}}
	f := calib.NewFlat(darkConfig(), l)
	require.NoError(t, f.Set(8, 4, 1, 1))

	buf := make([]float32, 32)
	for i := range buf {
		buf[i] = float32(i * 3)
	}
	want := append([]float32(nil), buf...)
	require.NoError(t, f.Apply(buf, 8, 4, nil))
	assert.Equal(t, want, buf)
	require.NoError(t, f.Apply(buf, 8, 4, nil))
	assert.Equal(t, want, buf)
}

func TestFlatInvertsAndClamps(t *testing.T) {
	fr := constFrame(8, 4, 2)
	fr.Data[1] = 0
	l := &memLoader{frames: map[string]calib.Frame{"f11": fr}}
	f := calib.NewFlat(darkConfig(), l)
	require.NoError(t, f.Set(8, 4, 1, 1))

	buf := make([]float32, 32)
	buf[0] = 10
	buf[1] = 10
	buf[2] = -4
	require.NoError(t, f.Apply(buf, 8, 4, nil))
	assert.Equal(t, float32(5), buf[0])
	assert.Equal(t, float32(10), buf[1], "zero flat pixels are left uncorrected")
	assert.Equal(t, float32(0), buf[2], "negative results clamp to zero")
}

func TestFlatWindowBound(t *testing.T) {
	l := &memLoader{frames: map[string]calib.Frame{"f11": constFrame(8, 4, 1)}}
	f := calib.NewFlat(darkConfig(), l)
	require.NoError(t, f.Set(8, 4, 1, 1))

	ok := camera.Window{XStart: 0, YStart: 0, XEnd: 6, YEnd: 2}
	assert.NoError(t, f.Apply(make([]float32, ok.PixelCount()), 0, 0, &ok))
	// ending on the last column is accepted by the dark, not by the flat
	lastCol := camera.Window{XStart: 0, YStart: 0, XEnd: 7, YEnd: 2}
	assert.True(t, errors.Is(f.Apply(make([]float32, lastCol.PixelCount()), 0, 0, &lastCol), calib.ErrFlatWindowX))
	lastRow := camera.Window{XStart: 0, YStart: 0, XEnd: 6, YEnd: 3}
	assert.True(t, errors.Is(f.Apply(make([]float32, lastRow.PixelCount()), 0, 0, &lastRow), calib.ErrFlatWindowY))
}

func writeFloatFits(t *testing.T, fn string, ncols, nrows int, data []float32) {
	t.Helper()
	fid, err := os.Create(fn)
	require.NoError(t, err)
	defer fid.Close()
	f, err := fitsio.Create(fid)
	require.NoError(t, err)
	defer f.Close()
	im := fitsio.NewImage(-32, []int{ncols, nrows})
	defer im.Close()
	require.NoError(t, im.Write(data))
	require.NoError(t, f.Write(im))
}

func TestFITSLoader(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "dark.fits")
	data := make([]float32, 6*3)
	for i := range data {
		data[i] = float32(i) + 0.5
	}
	writeFloatFits(t, fn, 6, 3, data)

	fr, err := calib.FITSLoader{}.Load(fn)
	require.NoError(t, err)
	assert.Equal(t, 2, fr.NAxis)
	assert.Equal(t, 6, fr.NCols)
	assert.Equal(t, 3, fr.NRows)
	assert.Equal(t, data, fr.Data)
}

func TestDarkFromFITS(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "dark.fits")
	writeFloatFits(t, fn, 4, 2, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	cfg := config.FromMap(map[string]interface{}{"dark.filename.1.1.50": fn})
	d := calib.NewDark(cfg, calib.FITSLoader{})
	require.NoError(t, d.Set(4, 2, 1, 1, 50))
	buf := []float32{10, 10, 10, 10, 10, 10, 10, 10}
	require.NoError(t, d.Subtract(buf, 4, 2, nil))
	assert.Equal(t, []float32{9, 8, 7, 6, 5, 4, 3, 2}, buf)
}
