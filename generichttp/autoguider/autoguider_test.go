package autoguider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.jpl.nasa.gov/bdube/autoguider/autoguider"
	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/object"
)

const chip = 128

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
		"guide.ncols.default":                   40,
		"guide.nrows.default":                   40,
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
		"guide.window.edge.pixels":              5,
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
	for i, l := range []int{50, 100, 200, 400} {
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

func newTestServer(t *testing.T) (*core.Autoguider, *httptest.Server) {
	t.Helper()
	sim := camera.NewSimulator(chip, chip, 1)
	sim.ReadNoise = 0
	sim.SetStars([]camera.Star{{X: 64, Y: 64, Flux: 1e6, Sigma: 1.5}})
	ag, err := core.New(testConfig(), sim, &object.Segmenter{}, loader)
	require.NoError(t, err)
	require.NoError(t, ag.Initialise(context.Background()))
	r := chi.NewRouter()
	NewHTTPAutoguider(ag).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ag.Close()
	})
	return ag, srv
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func TestFieldAndObjects(t *testing.T) {
	ag, srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/field", "")
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = do(t, http.MethodGet, srv.URL+"/objects", "")
	require.Equal(t, http.StatusOK, code)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Equal(t, object.ListHeader, lines[0])
	assert.Len(t, lines, ag.Objects.Count()+1)
	assert.NotZero(t, ag.Objects.Count())

	code, body = do(t, http.MethodGet, srv.URL+"/objects/count", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, fmt.Sprintf(`{"int":%d}`, ag.Objects.Count()), string(body))
}

func TestFrameDownload(t *testing.T) {
	_, srv := newTestServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/field", "")
	require.Equal(t, http.StatusOK, code)

	for _, kind := range []string{"raw", "reduced"} {
		code, body := do(t, http.MethodGet, srv.URL+"/frame/field?kind="+kind, "")
		require.Equal(t, http.StatusOK, code)
		f, err := fitsio.Open(bytes.NewReader(body))
		require.NoError(t, err, kind)
		img := f.HDU(0).(fitsio.Image)
		assert.Equal(t, []int{chip, chip}, img.Header().Axes(), kind)
		f.Close()
	}

	code, _ = do(t, http.MethodGet, srv.URL+"/frame/field?kind=reduced&fmt=png", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/frame/sky", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExposureLengthRoutes(t *testing.T) {
	ag, srv := newTestServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/guide/exposure-length", `{"ms":200,"lock":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 200, ag.Guide.ExposureLength())
	assert.True(t, ag.Guide.IsExposureLengthLocked())

	code, body := do(t, http.MethodGet, srv.URL+"/guide/exposure-length", "")
	require.Equal(t, http.StatusOK, code)
	el := ExposureLength{}
	require.NoError(t, json.Unmarshal(body, &el))
	assert.Equal(t, ExposureLength{Ms: 200, Lock: true}, el)

	code, _ = do(t, http.MethodPost, srv.URL+"/field/exposure-length", `{"ms":-5}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestToggleRoutes(t *testing.T) {
	ag, srv := newTestServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/field/flat-field", `{"bool":false}`)
	require.Equal(t, http.StatusOK, code)
	ff, _ := ag.Field.FlatField()
	assert.False(t, ff)
	code, body := do(t, http.MethodGet, srv.URL+"/field/flat-field", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"bool":false}`, string(body))
}

func TestWindowRoutes(t *testing.T) {
	ag, srv := newTestServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/guide/window", `{"xStart":10,"yStart":10,"xEnd":5,"yEnd":49}`)
	assert.Equal(t, http.StatusBadRequest, code)

	w := camera.Window{XStart: 10, YStart: 10, XEnd: 49, YEnd: 49}
	b, _ := json.Marshal(w)
	code, _ = do(t, http.MethodPost, srv.URL+"/guide/window", string(b))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, w, ag.Guide.Window())
}

func TestAutoguideRoutes(t *testing.T) {
	ag, srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/autoguide/on", "")
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, ag.Guide.IsGuiding())

	code, body = do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	s := core.Status{}
	require.NoError(t, json.Unmarshal(body, &s))
	assert.Equal(t, "ON_BRIGHTEST", s.State)
	assert.True(t, s.Guide.Guiding)

	code, _ = do(t, http.MethodPost, srv.URL+"/autoguide/on", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/autoguide/off", "")
	require.Equal(t, http.StatusOK, code)
	assert.False(t, ag.Guide.IsGuiding())

	code, _ = do(t, http.MethodPost, srv.URL+"/autoguide/off", "")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestCameraTemperature(t *testing.T) {
	_, srv := newTestServer(t)
	code, body := do(t, http.MethodGet, srv.URL+"/camera/temperature", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"f64":-40}`, string(body))
}

func TestEndpointsListed(t *testing.T) {
	_, srv := newTestServer(t)
	code, body := do(t, http.MethodGet, srv.URL+"/endpoints", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"/autoguide/on"`)
}
