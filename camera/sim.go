package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrNotProgrammed is generated when Expose is called before ProgramDimensions
	ErrNotProgrammed = errors.New("camera dimensions have not been programmed")

	// ErrBufferSize is generated when the exposure buffer does not match the readout area
	ErrBufferSize = errors.New("exposure buffer does not match the readout area")
)

// Star is a point source rendered by the Simulator
type Star struct {
	// X is the unbinned column of the centroid
	X float64 `yaml:"X" koanf:"X"`

	// Y is the unbinned row of the centroid
	Y float64 `yaml:"Y" koanf:"Y"`

	// Flux is the total number of counts per second
	Flux float64 `yaml:"Flux" koanf:"Flux"`

	// Sigma is the gaussian width in unbinned pixels
	Sigma float64 `yaml:"Sigma" koanf:"Sigma"`
}

// Simulator is a Driver that renders gaussian stars on a flat bias with
// gaussian read noise.  It is safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	// NCols is the number of unbinned columns on the chip
	NCols int

	// NRows is the number of unbinned rows on the chip
	NRows int

	// Bias is the pedestal added to every pixel
	Bias float64

	// ReadNoise is the standard deviation of the gaussian noise
	ReadNoise float64

	// Stars is the field rendered into every exposure
	Stars []Star

	// WindowStep, when > 1, makes CheckDimensions snap the window start
	// down to a multiple of the step, as some controllers require
	WindowStep int

	// RealTime makes Expose wait for the exposure length
	RealTime bool

	// CCDTemperature is reported by Temperature
	CCDTemperature float64

	dims       Dimensions
	programmed bool
	history    []Dimensions
	lastStart  time.Time
	exposures  int
	rng        *rand.Rand
	exposeErr  error
}

// NewSimulator returns a simulator with a chip of the given unbinned size
func NewSimulator(ncols, nrows int, seed int64) *Simulator {
	return &Simulator{
		NCols:          ncols,
		NRows:          nrows,
		Bias:           1000,
		ReadNoise:      5,
		CCDTemperature: -40,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// SetStars replaces the rendered field
func (s *Simulator) SetStars(stars []Star) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stars = append([]Star(nil), stars...)
}

// FailExposures makes every subsequent Expose return err (nil clears it)
func (s *Simulator) FailExposures(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposeErr = err
}

// Programmed returns every geometry passed to ProgramDimensions, oldest first
func (s *Simulator) Programmed() []Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dimensions(nil), s.history...)
}

// ExposureCount is the number of completed exposures
func (s *Simulator) ExposureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposures
}

// CheckDimensions validates d against the chip size
func (s *Simulator) CheckDimensions(d Dimensions) (Dimensions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(d)
}

func (s *Simulator) check(d Dimensions) (Dimensions, error) {
	if d.XBin < 1 || d.YBin < 1 {
		return d, fmt.Errorf("illegal binning %dx%d", d.XBin, d.YBin)
	}
	if d.NCols < 1 || d.NRows < 1 || d.NCols > s.NCols || d.NRows > s.NRows {
		return d, fmt.Errorf("illegal size %dx%d for a %dx%d chip", d.NCols, d.NRows, s.NCols, s.NRows)
	}
	if !d.Windowed {
		return d, nil
	}
	w := d.Window
	if s.WindowStep > 1 {
		w.XStart -= w.XStart % s.WindowStep
		w.YStart -= w.YStart % s.WindowStep
	}
	if err := w.Valid(); err != nil {
		return d, err
	}
	if w.XEnd >= d.BinnedNCols() || w.YEnd >= d.BinnedNRows() {
		return d, fmt.Errorf("window %v exceeds %dx%d", w, d.BinnedNCols(), d.BinnedNRows())
	}
	d.Window = w
	return d, nil
}

// ProgramDimensions sets the readout geometry
func (s *Simulator) ProgramDimensions(d Dimensions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.check(d)
	if err != nil {
		return err
	}
	s.dims = d
	s.programmed = true
	s.history = append(s.history, d)
	return nil
}

// ExposureStartTime returns the start time of the last exposure
func (s *Simulator) ExposureStartTime() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStart.IsZero() {
		return time.Time{}, errors.New("no exposure has been taken")
	}
	return s.lastStart, nil
}

// Temperature returns CCDTemperature with an OK status
func (s *Simulator) Temperature() (float64, TemperatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CCDTemperature, TemperatureOK, nil
}

// Expose renders the star field into buf
func (s *Simulator) Expose(ctx context.Context, openShutter bool, start time.Time, lengthMs int, buf []uint16) error {
	s.mu.Lock()
	if s.exposeErr != nil {
		err := s.exposeErr
		s.mu.Unlock()
		return err
	}
	if !s.programmed {
		s.mu.Unlock()
		return ErrNotProgrammed
	}
	d := s.dims
	realTime := s.RealTime
	s.mu.Unlock()

	if lengthMs < 0 {
		return fmt.Errorf("illegal exposure length %d", lengthMs)
	}
	ncols, nrows, x0, y0 := d.BinnedNCols(), d.BinnedNRows(), 0, 0
	if d.Windowed {
		ncols, nrows, x0, y0 = d.Window.Width(), d.Window.Height(), d.Window.XStart, d.Window.YStart
	}
	if len(buf) != ncols*nrows {
		return fmt.Errorf("%w: %d != %dx%d", ErrBufferSize, len(buf), ncols, nrows)
	}

	now := time.Now()
	if start.After(now) {
		now = start
	}
	if realTime {
		t := time.NewTimer(time.Until(now) + time.Duration(lengthMs)*time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	secs := float64(lengthMs) / 1e3
	for r := 0; r < nrows; r++ {
		for c := 0; c < ncols; c++ {
			v := s.Bias + s.ReadNoise*s.rng.NormFloat64()
			if openShutter {
				v += s.render(float64((c+x0)*d.XBin), float64((r+y0)*d.YBin), d.XBin, d.YBin) * secs
			}
			buf[r*ncols+c] = saturate(v)
		}
	}
	s.lastStart = now
	s.exposures++
	return nil
}

// render integrates the star field over one binned pixel whose lower
// corner is at unbinned (x, y)
func (s *Simulator) render(x, y float64, xbin, ybin int) float64 {
	var total float64
	for _, st := range s.Stars {
		sig := st.Sigma
		if sig <= 0 {
			sig = 1
		}
		// cheap cull: more than 6 sigma away contributes nothing measurable
		if math.Abs(x-st.X) > 6*sig+float64(xbin) || math.Abs(y-st.Y) > 6*sig+float64(ybin) {
			continue
		}
		norm := st.Flux / (2 * math.Pi * sig * sig)
		for j := 0; j < ybin; j++ {
			for i := 0; i < xbin; i++ {
				dx := x + float64(i) - st.X
				dy := y + float64(j) - st.Y
				total += norm * math.Exp(-(dx*dx+dy*dy)/(2*sig*sig))
			}
		}
	}
	return total
}

func saturate(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v + 0.5)
}
