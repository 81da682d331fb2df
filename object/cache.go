package object

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.jpl.nasa.gov/bdube/autoguider/config"
)

// MaximumStatsCount is the largest number of pixels used for frame statistics;
// bigger frames are subsampled with an even stride
const MaximumStatsCount = 100000

const maxClipIterations = 10

// ListHeader is the first line of ListString
const ListHeader = "Id Frame_Number Index CCD_Pos_X CCD_Pos_Y Buffer_Pos_X Buffer_Pos_Y Total_Counts Number_of_Pixels Peak_Counts Is_Stellar FWHM_X FWHM_Y"

// Stats describes the pixel distribution of the last detected frame
type Stats struct {
	Median           float64 `json:"median"`
	Mean             float64 `json:"mean"`
	BackgroundStdDev float64 `json:"backgroundStdDev"`
	Threshold        float64 `json:"threshold"`
}

// Cache holds the objects found in the most recent frame.  All methods are
// safe for concurrent use; accessors return copies.
type Cache struct {
	mu       sync.Mutex
	cfg      *config.Config
	detector Detector

	work    []float32
	sample  []float64
	objects []Object
	stats   Stats
	id      int
	frame   int
}

// NewCache returns an empty cache that uses d for detection
func NewCache(cfg *config.Config, d Detector) *Cache {
	return &Cache{cfg: cfg, detector: d}
}

// Detect runs detection on buf (ncols x nrows) and replaces the cached
// list.  startX and startY are the CCD position of buf's first pixel.
// When useStdDev is true the threshold is median + sigma*sd, otherwise the
// median.  id and frame label the result for ListString.
func (c *Cache) Detect(buf []float32, ncols, nrows, startX, startY int, useStdDev bool, id, frame int) error {
	if ncols*nrows != len(buf) {
		return fmt.Errorf("%w: %dx%d != %d", ErrBufferSize, ncols, nrows, len(buf))
	}
	statsType, err := c.cfg.String("object.threshold.stats.type")
	if err != nil {
		return err
	}
	var sigma, reject float64
	if useStdDev {
		if sigma, err = c.cfg.Float("object.threshold.sigma"); err != nil {
			return err
		}
	}
	if statsType == "sigma_clip" {
		if reject, err = c.cfg.Float("object.threshold.sigma_reject"); err != nil {
			return err
		}
	} else if statsType != "simple" {
		return fmt.Errorf("%w: %q", ErrStatsType, statsType)
	}
	if el, ok := c.detector.(EllipticityLimiter); ok && c.cfg.Exists("object.ellipticity.limit") {
		lim, err := c.cfg.Float("object.ellipticity.limit")
		if err != nil {
			return err
		}
		el.SetEllipticityLimit(lim)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cap(c.work) < len(buf) {
		c.work = make([]float32, len(buf))
	}
	c.work = c.work[:len(buf)]
	copy(c.work, buf)

	st := c.frameStats(c.work, reject)
	st.Threshold = st.Median
	if useStdDev {
		st.Threshold += sigma * st.BackgroundStdDev
	}

	objs, err := c.detector.Detect(c.work, ncols, nrows, st.Median, st.Threshold, MinimumConnectedPixels)
	if err != nil && !errors.Is(err, ErrTooSmall) {
		return fmt.Errorf("%w: %v", ErrDetect, err)
	}
	for i := range objs {
		objs[i].CCDX = objs[i].BufferX + float64(startX)
		objs[i].CCDY = objs[i].BufferY + float64(startY)
	}
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].TotalCounts > objs[j].TotalCounts })
	for i := range objs {
		objs[i].Index = i
	}
	c.objects = objs
	c.stats = st
	c.id, c.frame = id, frame
	return nil
}

// frameStats computes median, mean and background standard deviation from
// an evenly strided subsample of img.  reject > 0 enables sigma clipping
// about the median.
func (c *Cache) frameStats(img []float32, reject float64) Stats {
	step := 1
	if len(img) > MaximumStatsCount {
		step = (len(img) + MaximumStatsCount - 1) / MaximumStatsCount
	}
	c.sample = c.sample[:0]
	for i := 0; i < len(img); i += step {
		c.sample = append(c.sample, float64(img[i]))
	}
	if len(c.sample) == 0 {
		return Stats{}
	}
	sort.Float64s(c.sample)
	x := c.sample
	median := stat.Quantile(0.5, stat.Empirical, x, nil)
	mean, sd := stat.MeanStdDev(x, nil)
	if reject > 0 {
		for it := 0; it < maxClipIterations; it++ {
			lo := sort.SearchFloat64s(x, median-reject*sd)
			hi := sort.SearchFloat64s(x, math.Nextafter(median+reject*sd, math.Inf(1)))
			if hi-lo < 2 || hi-lo == len(x) {
				break
			}
			x = x[lo:hi]
			median = stat.Quantile(0.5, stat.Empirical, x, nil)
			mean, sd = stat.MeanStdDev(x, nil)
		}
	}
	if math.IsNaN(sd) {
		sd = 0
	}
	return Stats{Median: median, Mean: mean, BackgroundStdDev: sd}
}

// Count is the number of objects in the list
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Object returns the index'th object, brightest first
func (c *Cache) Object(index int) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.objects) {
		return Object{}, fmt.Errorf("%w: %d of %d", ErrIndex, index, len(c.objects))
	}
	return c.objects[index], nil
}

// List returns a copy of the object list
func (c *Cache) List() []Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Object(nil), c.objects...)
}

// Stats returns the statistics of the last detected frame
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Brightest returns the object with the most total counts inside bounds
func (c *Cache) Brightest(bounds *Bounds) (Object, error) {
	return c.Rank(1, bounds)
}

// Rank returns the rank'th brightest object inside bounds, counting from 1
func (c *Cache) Rank(rank int, bounds *Bounds) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rank < 1 {
		return Object{}, fmt.Errorf("%w: rank %d", ErrIndex, rank)
	}
	n := 0
	for _, o := range c.objects {
		if !bounds.Contains(o) {
			continue
		}
		n++
		if n == rank {
			return o, nil
		}
	}
	return Object{}, fmt.Errorf("%w: rank %d of %d in bounds", ErrNoObjects, rank, n)
}

// NearestToPixel returns the object closest to (x, y) in buffer coordinates
func (c *Cache) NearestToPixel(x, y float64) (Object, error) {
	return c.nearest(func(o Object) (float64, float64) { return o.BufferX - x, o.BufferY - y })
}

// NearestToCCD returns the object closest to (x, y) in CCD coordinates
func (c *Cache) NearestToCCD(x, y float64) (Object, error) {
	return c.nearest(func(o Object) (float64, float64) { return o.CCDX - x, o.CCDY - y })
}

func (c *Cache) nearest(delta func(Object) (float64, float64)) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.objects) == 0 {
		return Object{}, ErrNoObjects
	}
	best, bestD := 0, math.Inf(1)
	for i, o := range c.objects {
		dx, dy := delta(o)
		if d := dx*dx + dy*dy; d < bestD {
			best, bestD = i, d
		}
	}
	return c.objects[best], nil
}

// ListString renders the object list as text, one object per line after ListHeader
func (c *Cache) ListString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	b.WriteString(ListHeader)
	b.WriteByte('\n')
	for _, o := range c.objects {
		stellar := "FALSE"
		if o.IsStellar {
			stellar = "TRUE"
		}
		fmt.Fprintf(&b, "%d %d %d %.2f %.2f %.2f %.2f %.2f %d %.2f %s %.2f %.2f\n",
			c.id, c.frame, o.Index, o.CCDX, o.CCDY, o.BufferX, o.BufferY,
			o.TotalCounts, o.PixelCount, o.PeakCounts, stellar, o.FWHMX, o.FWHMY)
	}
	return b.String()
}
