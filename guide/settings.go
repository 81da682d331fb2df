package guide

import (
	"fmt"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/object"
)

// reader collects the first error of a run of config lookups
type reader struct {
	cfg *config.Config
	err error
}

func (r *reader) int(key string) int {
	if r.err != nil {
		return 0
	}
	var v int
	v, r.err = r.cfg.Int(key)
	return v
}

func (r *reader) float(key string) float64 {
	if r.err != nil {
		return 0
	}
	var v float64
	v, r.err = r.cfg.Float(key)
	return v
}

func (r *reader) bool(key string) bool {
	if r.err != nil {
		return false
	}
	var v bool
	v, r.err = r.cfg.Bool(key)
	return v
}

func (r *reader) string(key string) string {
	if r.err != nil {
		return ""
	}
	var v string
	v, r.err = r.cfg.String(key)
	return v
}

// scaling is the exposure length auto-scale configuration
type scaling struct {
	autoscale bool

	// metric is "peak" or "integrated"
	metric string

	target, min, max float64

	// count is the number of consecutive unsatisfactory frames before rescaling
	count int
}

// measure returns the counts of o used for scaling
func (s scaling) measure(o object.Object) float64 {
	if s.metric == "peak" {
		return o.PeakCounts
	}
	return o.TotalCounts
}

// settings is the configuration read on every guide on
type settings struct {
	// dims is the unwindowed full frame
	dims camera.Dimensions

	defaultWidth, defaultHeight int
	minMs, maxMs                int

	scale scaling

	tracking bool
	edge     int
	resize   bool

	ellipticity      float64
	minPeak, maxPeak float64

	magConst      float64
	timecodeScale float64
	useCadence    bool
}

func loadSettings(cfg *config.Config) (settings, error) {
	r := reader{cfg: cfg}
	var s settings
	s.dims = camera.Dimensions{
		NCols: r.int("ccd.guide.ncols"),
		NRows: r.int("ccd.guide.nrows"),
		XBin:  r.int("ccd.guide.x_bin"),
		YBin:  r.int("ccd.guide.y_bin"),
	}
	s.defaultWidth = r.int("guide.ncols.default")
	s.defaultHeight = r.int("guide.nrows.default")
	s.minMs = r.int("ccd.exposure.minimum")
	s.maxMs = r.int("ccd.exposure.maximum")

	s.scale.autoscale = r.bool("guide.exposure_length.autoscale")
	s.scale.count = r.int("guide.exposure_length.scale.count")
	s.scale.metric = r.string("guide.counts.scale_type")
	if r.err == nil && s.scale.metric != "peak" && s.scale.metric != "integrated" {
		return s, fmt.Errorf("%w: %q", ErrScaleType, s.scale.metric)
	}
	s.scale.target = r.float("guide.counts.target." + s.scale.metric)
	s.scale.min = r.float("guide.counts.min." + s.scale.metric)
	s.scale.max = r.float("guide.counts.max." + s.scale.metric)

	s.tracking = r.bool("guide.window.tracking")
	s.edge = r.int("guide.window.edge.pixels")
	s.resize = r.bool("guide.window.resize")

	s.ellipticity = r.float("guide.ellipticity.limit")
	s.minPeak = r.float("guide.counts.min.peak")
	s.maxPeak = r.float("guide.counts.max.peak")

	s.magConst = r.float("guide.mag.const")
	s.timecodeScale = r.float("guide.timecode.scale")
	s.useCadence = r.bool("guide.sdb.exposure_length.use_cadence")
	if r.err != nil {
		return s, r.err
	}
	if s.dims.XBin < 1 || s.dims.YBin < 1 || s.dims.BinnedNCols() < 1 || s.dims.BinnedNRows() < 1 {
		return s, fmt.Errorf("%w: guide frame %dx%d binned %dx%d", ErrWindow,
			s.dims.NCols, s.dims.NRows, s.dims.XBin, s.dims.YBin)
	}
	if s.defaultWidth < 2 || s.defaultHeight < 2 {
		return s, fmt.Errorf("%w: default size %dx%d", ErrWindow, s.defaultWidth, s.defaultHeight)
	}
	if s.scale.count < 1 {
		s.scale.count = 1
	}
	return s, nil
}
