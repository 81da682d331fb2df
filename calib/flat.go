package calib

import (
	"fmt"
	"log"
	"sync"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/config"
)

// Flat is the currently loaded flat field.  Pixels are stored inverted, so
// applying the flat is a multiply.  It is safe for concurrent use.
type Flat struct {
	mu     sync.Mutex
	cfg    *config.Config
	loader Loader

	loaded     bool
	xbin, ybin int
	ncols      int
	nrows      int
	inverse    []float32
}

// NewFlat returns an empty flat store
func NewFlat(cfg *config.Config, loader Loader) *Flat {
	return &Flat{cfg: cfg, loader: loader}
}

// Loaded returns the binning of the loaded flat and whether one is loaded
func (f *Flat) Loaded() (xbin, ybin int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.xbin, f.ybin, f.loaded
}

// Set makes the flat for (xbin, ybin) current, loading it if the binning
// differs from the loaded one.  ncols and nrows are the binned full-frame
// size the flat must have.
func (f *Flat) Set(ncols, nrows, xbin, ybin int) error {
	if xbin < 1 {
		return fmt.Errorf("%w: %d", ErrFlatXBin, xbin)
	}
	if ybin < 1 {
		return fmt.Errorf("%w: %d", ErrFlatYBin, ybin)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded && f.xbin == xbin && f.ybin == ybin {
		return nil
	}
	key := fmt.Sprintf("flat.filename.%d.%d", xbin, ybin)
	fn, err := f.cfg.String(key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFlatFilename, key, err)
	}
	fr, err := f.loader.Load(fn)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFlatLoad, fn, err)
	}
	if fr.NAxis != 2 {
		return fmt.Errorf("%w: %s has NAXIS=%d", ErrFlatNAxis, fn, fr.NAxis)
	}
	if fr.NCols != ncols {
		return fmt.Errorf("%w: %s has %d columns, expected %d", ErrFlatNCols, fn, fr.NCols, ncols)
	}
	if fr.NRows != nrows {
		return fmt.Errorf("%w: %s has %d rows, expected %d", ErrFlatNRows, fn, fr.NRows, nrows)
	}
	inv := make([]float32, len(fr.Data))
	zeros := 0
	for i, v := range fr.Data {
		if v == 0 {
			inv[i] = 1
			zeros++
			continue
		}
		inv[i] = 1 / v
	}
	if zeros > 0 {
		log.Printf("flat: %s has %d zero pixels, they are left uncorrected", fn, zeros)
	}
	f.inverse = inv
	f.ncols, f.nrows = fr.NCols, fr.NRows
	f.xbin, f.ybin = xbin, ybin
	f.loaded = true
	log.Printf("flat: loaded %s (%dx%d, bin %dx%d)", fn, ncols, nrows, xbin, ybin)
	return nil
}

// Apply flat fields buf in place.  buf is either the full binned frame
// (window nil) or the window's pixels.  Results are clamped at zero.
func (f *Flat) Apply(buf []float32, ncols, nrows int, window *camera.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return ErrFlatNotLoaded
	}
	if window != nil {
		w := *window
		if w.PixelCount() != len(buf) {
			return fmt.Errorf("%w: window %v holds %d pixels, buffer %d", ErrFlatWindowSize, w, w.PixelCount(), len(buf))
		}
		// a window may not reach the last row or column of the flat
		if w.XEnd+1 >= f.ncols {
			return fmt.Errorf("%w: window %v, flat width %d", ErrFlatWindowX, w, f.ncols)
		}
		if w.YEnd+1 >= f.nrows {
			return fmt.Errorf("%w: window %v, flat height %d", ErrFlatWindowY, w, f.nrows)
		}
		width := w.Width()
		for y := 0; y < w.Height(); y++ {
			row := f.inverse[(y+w.YStart)*f.ncols+w.XStart:]
			out := buf[y*width : (y+1)*width]
			for x := range out {
				out[x] = clampZero(out[x] * row[x])
			}
		}
		return nil
	}
	if ncols*nrows != len(buf) {
		return fmt.Errorf("%w: %dx%d != %d", ErrFlatFrameSize, ncols, nrows, len(buf))
	}
	if ncols != f.ncols {
		return fmt.Errorf("%w: %d != %d", ErrFlatNColsMismatch, ncols, f.ncols)
	}
	if nrows != f.nrows {
		return fmt.Errorf("%w: %d != %d", ErrFlatNRowsMismatch, nrows, f.nrows)
	}
	for i := range buf {
		buf[i] = clampZero(buf[i] * f.inverse[i])
	}
	return nil
}

func clampZero(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}
