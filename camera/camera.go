/*Package camera describes the interface the autoguider uses to drive a CCD

The Driver type contains the handful of operations the field and guide loops
need: program the readout geometry, check a proposed geometry, take an
exposure into a caller-owned buffer and report the exposure start time and
CCD temperature.  Window and Dimensions describe the readout geometry.

*/
package camera

import (
	"context"
	"fmt"
	"time"
)

// TemperatureStatus describes the state of the CCD cooling system
type TemperatureStatus int

const (
	// TemperatureOff means the cooler is off
	TemperatureOff TemperatureStatus = iota

	// TemperatureAmbient means the cooler is off and the CCD is at ambient
	TemperatureAmbient

	// TemperatureOK means the CCD is at the setpoint
	TemperatureOK

	// TemperatureRamping means the CCD is moving toward the setpoint
	TemperatureRamping

	// TemperatureUnknown means the driver could not tell
	TemperatureUnknown
)

func (t TemperatureStatus) String() string {
	switch t {
	case TemperatureOff:
		return "off"
	case TemperatureAmbient:
		return "ambient"
	case TemperatureOK:
		return "ok"
	case TemperatureRamping:
		return "ramping"
	default:
		return "unknown"
	}
}

// Window is an inclusive rectangle in binned full-frame pixels
type Window struct {
	// XStart is the first column
	XStart int `json:"xStart"`

	// YStart is the first row
	YStart int `json:"yStart"`

	// XEnd is the last column, inclusive
	XEnd int `json:"xEnd"`

	// YEnd is the last row, inclusive
	YEnd int `json:"yEnd"`
}

// Width is the number of columns in the window
func (w Window) Width() int {
	return w.XEnd - w.XStart + 1
}

// Height is the number of rows in the window
func (w Window) Height() int {
	return w.YEnd - w.YStart + 1
}

// PixelCount is the number of pixels in the window
func (w Window) PixelCount() int {
	return w.Width() * w.Height()
}

// Valid returns an error if the window is negative or degenerate
func (w Window) Valid() error {
	if w.XStart < 0 || w.YStart < 0 {
		return fmt.Errorf("window %v has a negative start", w)
	}
	if w.XStart >= w.XEnd || w.YStart >= w.YEnd {
		return fmt.Errorf("window %v has start >= end", w)
	}
	return nil
}

// Contains returns true if the point lies within the window
func (w Window) Contains(x, y float64) bool {
	return x >= float64(w.XStart) && x <= float64(w.XEnd) &&
		y >= float64(w.YStart) && y <= float64(w.YEnd)
}

func (w Window) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", w.XStart, w.YStart, w.XEnd, w.YEnd)
}

// Dimensions is the readout geometry of the CCD
type Dimensions struct {
	// NCols is the number of unbinned columns
	NCols int `json:"ncols"`

	// NRows is the number of unbinned rows
	NRows int `json:"nrows"`

	// XBin is the horizontal binning factor
	XBin int `json:"xbin"`

	// YBin is the vertical binning factor
	YBin int `json:"ybin"`

	// Windowed is true when only Window is read out
	Windowed bool `json:"windowed"`

	// Window is the readout area, in binned pixels, when Windowed is true
	Window Window `json:"window"`
}

// BinnedNCols is the number of columns after binning
func (d Dimensions) BinnedNCols() int {
	if d.XBin < 1 {
		return 0
	}
	return d.NCols / d.XBin
}

// BinnedNRows is the number of rows after binning
func (d Dimensions) BinnedNRows() int {
	if d.YBin < 1 {
		return 0
	}
	return d.NRows / d.YBin
}

// Driver is the set of CCD operations the autoguider needs
type Driver interface {
	// Expose takes an exposure of lengthMs milliseconds into buf, which
	// must hold the binned (or windowed) frame.  If start is in the future
	// the exposure begins at start.  Expose blocks until readout completes.
	Expose(ctx context.Context, openShutter bool, start time.Time, lengthMs int, buf []uint16) error

	// ExposureStartTime returns the start time of the last exposure
	ExposureStartTime() (time.Time, error)

	// Temperature returns the CCD temperature in Celcius and the cooler status
	Temperature() (float64, TemperatureStatus, error)

	// ProgramDimensions sets the readout geometry
	ProgramDimensions(Dimensions) error

	// CheckDimensions validates a proposed geometry, and may adjust the
	// window to one the hardware supports.  The returned value is authoritative.
	CheckDimensions(Dimensions) (Dimensions, error)
}
