package calib

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
)

// Dark is the currently loaded dark frame and the list of exposure lengths
// for which darks exist.  It is safe for concurrent use.
type Dark struct {
	mu     sync.Mutex
	cfg    *config.Config
	loader Loader

	lengths []int

	loaded     bool
	xbin, ybin int
	lengthMs   int
	ncols      int
	nrows      int
	data       []float32
}

// NewDark returns an empty dark store
func NewDark(cfg *config.Config, loader Loader) *Dark {
	return &Dark{cfg: cfg, loader: loader}
}

// Initialise reads dark.exposure_length.<i> for i = 0, 1, ... until a key is
// missing and keeps the values sorted ascending
func (d *Dark) Initialise() error {
	var lengths []int
	for i := 0; ; i++ {
		key := fmt.Sprintf("dark.exposure_length.%d", i)
		if !d.cfg.Exists(key) {
			break
		}
		v, err := d.cfg.Int(key)
		if err != nil {
			return err
		}
		lengths = append(lengths, v)
	}
	if len(lengths) == 0 {
		return fmt.Errorf("%w: no dark.exposure_length.0", ErrNoExposureLengths)
	}
	sort.Ints(lengths)
	d.mu.Lock()
	d.lengths = lengths
	d.mu.Unlock()
	log.Printf("dark: %d exposure lengths %v", len(lengths), lengths)
	return nil
}

// ExposureLengthCount is the number of exposure lengths darks exist for
func (d *Dark) ExposureLengthCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lengths)
}

// ExposureLengths returns a copy of the sorted exposure length list
func (d *Dark) ExposureLengths() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.lengths...)
}

// ExposureLength returns the index'th exposure length, in ascending order
func (d *Dark) ExposureLength(index int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.lengths) {
		return 0, fmt.Errorf("%w: %d of %d", ErrExposureLengthIndex, index, len(d.lengths))
	}
	return d.lengths[index], nil
}

// Nearest returns the available exposure length closest to ms and its
// index.  On a tie the shorter length wins.
func (d *Dark) Nearest(ms int) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.lengths) == 0 {
		return 0, 0, ErrNoExposureLengths
	}
	best, bestDiff := 0, absInt(d.lengths[0]-ms)
	for i := 1; i < len(d.lengths); i++ {
		if diff := absInt(d.lengths[i] - ms); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return d.lengths[best], best, nil
}

// Index returns the index of the exposure length of the loaded dark
func (d *Dark) Index() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return 0, ErrDarkNotLoaded
	}
	for i, l := range d.lengths {
		if l == d.lengthMs {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: loaded length %d is not in the list", ErrExposureLengthIndex, d.lengthMs)
}

// Loaded returns the key of the loaded dark and whether one is loaded
func (d *Dark) Loaded() (xbin, ybin, lengthMs int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xbin, d.ybin, d.lengthMs, d.loaded
}

// Set makes the dark for (xbin, ybin, ms) current, loading it if the key
// differs from the loaded one.  ncols and nrows are the binned full-frame
// size the dark must have.
func (d *Dark) Set(ncols, nrows, xbin, ybin, ms int) error {
	if xbin < 1 {
		return fmt.Errorf("%w: %d", ErrDarkXBin, xbin)
	}
	if ybin < 1 {
		return fmt.Errorf("%w: %d", ErrDarkYBin, ybin)
	}
	if ms < 0 {
		return fmt.Errorf("%w: %d", ErrDarkExposureLength, ms)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded && d.xbin == xbin && d.ybin == ybin && d.lengthMs == ms {
		return nil
	}
	key := fmt.Sprintf("dark.filename.%d.%d.%d", xbin, ybin, ms)
	fn, err := d.cfg.String(key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDarkFilename, key, err)
	}
	f, err := d.loader.Load(fn)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDarkLoad, fn, err)
	}
	if f.NAxis != 2 {
		return fmt.Errorf("%w: %s has NAXIS=%d", ErrDarkNAxis, fn, f.NAxis)
	}
	if f.NCols != ncols {
		return fmt.Errorf("%w: %s has %d columns, expected %d", ErrDarkNCols, fn, f.NCols, ncols)
	}
	if f.NRows != nrows {
		return fmt.Errorf("%w: %s has %d rows, expected %d", ErrDarkNRows, fn, f.NRows, nrows)
	}
	d.data = f.Data
	d.ncols, d.nrows = f.NCols, f.NRows
	d.xbin, d.ybin, d.lengthMs = xbin, ybin, ms
	d.loaded = true
	log.Printf("dark: loaded %s (%dx%d, bin %dx%d, %d ms)", fn, ncols, nrows, xbin, ybin, ms)
	return nil
}

// Subtract removes the loaded dark from buf in place.  buf is either the
// full binned frame (window nil) or the window's pixels.  Results are not
// clamped.
func (d *Dark) Subtract(buf []float32, ncols, nrows int, window *camera.Window) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return ErrDarkNotLoaded
	}
	if window != nil {
		w := *window
		if w.PixelCount() != len(buf) {
			return fmt.Errorf("%w: window %v holds %d pixels, buffer %d", ErrDarkWindowSize, w, w.PixelCount(), len(buf))
		}
		if w.XEnd >= d.ncols {
			return fmt.Errorf("%w: window %v, dark width %d", ErrDarkWindowX, w, d.ncols)
		}
		if w.YEnd >= d.nrows {
			return fmt.Errorf("%w: window %v, dark height %d", ErrDarkWindowY, w, d.nrows)
		}
		width := w.Width()
		for y := 0; y < w.Height(); y++ {
			row := d.data[(y+w.YStart)*d.ncols+w.XStart:]
			out := buf[y*width : (y+1)*width]
			for x := range out {
				out[x] -= row[x]
			}
		}
		return nil
	}
	if ncols*nrows != len(buf) {
		return fmt.Errorf("%w: %dx%d != %d", ErrDarkFrameSize, ncols, nrows, len(buf))
	}
	if ncols != d.ncols {
		return fmt.Errorf("%w: %d != %d", ErrDarkNColsMismatch, ncols, d.ncols)
	}
	if nrows != d.nrows {
		return fmt.Errorf("%w: %d != %d", ErrDarkNRowsMismatch, nrows, d.nrows)
	}
	for i := range buf {
		buf[i] -= d.data[i]
	}
	return nil
}

func absInt(i int) int {
	if i < 0 {
		return -i
	}
	return i
}
