package autoguider_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/autoguider/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/guide"
	"github.jpl.nasa.gov/bdube/autoguider/object"
)

const chip = 256

func testConfig() *config.Config {
	m := map[string]interface{}{
		"ccd.field.ncols":                       chip,
		"ccd.field.nrows":                       chip,
		"ccd.field.x_bin":                       1,
		"ccd.field.y_bin":                       1,
		"ccd.guide.ncols":                       chip,
		"ccd.guide.nrows":                       chip,
		"ccd.guide.x_bin":                       1,
		"ccd.guide.y_bin":                       1,
		"ccd.exposure.field.default":            100,
		"ccd.exposure.guide.default":            100,
		"ccd.exposure.minimum":                  10,
		"ccd.exposure.maximum":                  1000,
		"field.dark_subtract":                   true,
		"field.flat_field":                      true,
		"field.object_detect":                   true,
		"field.object.bounds.x.min":             0.,
		"field.object.bounds.x.max":             float64(chip - 1),
		"field.object.bounds.y.min":             0.,
		"field.object.bounds.y.max":             float64(chip - 1),
		"guide.ncols.default":                   100,
		"guide.nrows.default":                   100,
		"guide.dark_subtract":                   true,
		"guide.flat_field":                      true,
		"guide.object_detect":                   true,
		"guide.exposure_length.autoscale":       false,
		"guide.exposure_length.scale.count":     2,
		"guide.counts.scale_type":               "peak",
		"guide.counts.target.peak":              7000,
		"guide.counts.min.peak":                 100,
		"guide.counts.max.peak":                 60000,
		"guide.window.tracking":                 false,
		"guide.window.edge.pixels":              10,
		"guide.window.resize":                   false,
		"guide.ellipticity.limit":               0.3,
		"guide.mag.const":                       25.0,
		"guide.timecode.scale":                  1.0,
		"guide.sdb.exposure_length.use_cadence": false,
		"object.threshold.stats.type":           "simple",
		"object.threshold.sigma":                3.0,
		"flat.filename.1.1":                     "flat",
		"cil.tcs.guide_packet.send":             false,
		"cil.sdb.packet.send":                   false,
	}
	for i, l := range []int{20, 50, 100, 200, 400, 800} {
		m[fmt.Sprintf("dark.exposure_length.%d", i)] = l
		m[fmt.Sprintf("dark.filename.1.1.%d", l)] = fmt.Sprintf("dark%d", l)
	}
	return config.FromMap(m)
}

var loader = calib.LoaderFunc(func(fn string) (calib.Frame, error) {
	v := float32(1000)
	if fn == "flat" {
		v = 1
	}
	d := make([]float32, chip*chip)
	for i := range d {
		d[i] = v
	}
	return calib.Frame{NAxis: 2, NCols: chip, NRows: chip, Data: d}, nil
})

func newTestAutoguider(t *testing.T) *autoguider.Autoguider {
	t.Helper()
	sim := camera.NewSimulator(chip, chip, 1)
	sim.ReadNoise = 0
	sim.SetStars([]camera.Star{
		{X: 80, Y: 80, Flux: 1e6, Sigma: 1.5},
		{X: 180, Y: 170, Flux: 4e5, Sigma: 1.5},
	})
	ag, err := autoguider.New(testConfig(), sim, &object.Segmenter{}, loader)
	require.NoError(t, err)
	require.NoError(t, ag.Initialise(context.Background()))
	t.Cleanup(func() { ag.Close() })
	return ag
}

func waitForFrames(t *testing.T, ag *autoguider.Autoguider, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ag.Guide.Status().Frame < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d guide frames", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1 }

func TestInitialiseReportsIdle(t *testing.T) {
	ag := newTestAutoguider(t)
	assert.Equal(t, "IDLE", ag.Status().State)
}

func TestAutoguideOnBrightest(t *testing.T) {
	ag := newTestAutoguider(t)
	ctx := context.Background()
	require.NoError(t, ag.AutoguideOn(ctx, autoguider.Request{Mode: autoguider.Brightest}))
	assert.Equal(t, "ON_BRIGHTEST", ag.Status().State)
	waitForFrames(t, ag, 3)

	s := ag.Status()
	assert.True(t, s.Guide.Guiding)
	assert.Equal(t, camera.Window{XStart: 30, YStart: 30, XEnd: 129, YEnd: 129}, s.Guide.Window)
	assert.Equal(t, 100, s.Guide.ExposureMs)
	assert.True(t, near(s.Packet.X, 80) && near(s.Packet.Y, 80), "expected a packet near (80,80) got %v", s.Packet)

	require.NoError(t, ag.AutoguideOff(ctx))
	s = ag.Status()
	assert.False(t, s.Guide.Guiding)
	assert.Equal(t, "IDLE", s.State)
	assert.True(t, s.Packet.Terminating)
}

func TestAutoguideOnRank(t *testing.T) {
	ag := newTestAutoguider(t)
	ctx := context.Background()
	require.NoError(t, ag.AutoguideOn(ctx, autoguider.Request{Mode: autoguider.Rank, Rank: 2}))
	defer ag.AutoguideOff(ctx)
	assert.Equal(t, "ON_RANK", ag.Status().State)
	w := ag.Guide.Window()
	assert.True(t, w.Contains(180, 170), "expected the window %v to hold the second star", w)
}

func TestAutoguideOnPixel(t *testing.T) {
	ag := newTestAutoguider(t)
	ctx := context.Background()
	require.NoError(t, ag.AutoguideOn(ctx, autoguider.Request{Mode: autoguider.Pixel, X: 175, Y: 175}))
	defer ag.AutoguideOff(ctx)
	assert.Equal(t, "ON_PIXEL", ag.Status().State)
	assert.True(t, ag.Guide.Window().Contains(180, 170))
}

func TestAutoguideOnMissingRankFails(t *testing.T) {
	ag := newTestAutoguider(t)
	err := ag.AutoguideOn(context.Background(), autoguider.Request{Mode: autoguider.Rank, Rank: 5})
	assert.True(t, errors.Is(err, autoguider.ErrSelect), "expected ErrSelect got %v", err)
	assert.Equal(t, "IDLE", ag.Status().State)
	assert.False(t, ag.Guide.IsGuiding())
}

func TestAutoguideOnTwice(t *testing.T) {
	ag := newTestAutoguider(t)
	ctx := context.Background()
	require.NoError(t, ag.AutoguideOn(ctx, autoguider.Request{}))
	defer ag.AutoguideOff(ctx)
	assert.Equal(t, guide.ErrAlreadyGuiding, ag.AutoguideOn(ctx, autoguider.Request{}))
}

func TestAutoguideOffWhenIdle(t *testing.T) {
	ag := newTestAutoguider(t)
	assert.Equal(t, guide.ErrNotGuiding, ag.AutoguideOff(context.Background()))
}

func TestParseMode(t *testing.T) {
	cases := map[string]autoguider.Mode{
		"brightest": autoguider.Brightest,
		"Pixel":     autoguider.Pixel,
		"RANK":      autoguider.Rank,
	}
	for s, want := range cases {
		m, err := autoguider.ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, want, m)
	}
	_, err := autoguider.ParseMode("range")
	assert.True(t, errors.Is(err, autoguider.ErrMode))
}
