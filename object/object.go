// Package object holds the result of point source detection on the latest
// reduced frame, and the rules used to pick a guide star from it.
package object

import (
	"errors"
	"fmt"
)

// Error is an object detection error code
type Error uint

const (
	// ErrDetect is generated when the detector fails
	ErrDetect Error = 1001

	// ErrStatsType is generated for an unknown object.threshold.stats.type
	ErrStatsType Error = 1002

	// ErrBufferSize is generated when the image is not ncols*nrows
	ErrBufferSize Error = 1003

	// ErrIndex is generated for an object index outside the list
	ErrIndex Error = 1008

	// ErrNoObjects is generated when a selection finds nothing
	ErrNoObjects Error = 1013
)

// ErrCodes maps error codes to their descriptions
var ErrCodes = map[Error]string{
	ErrDetect:     "DETECTION_FAILED",
	ErrStatsType:  "UNKNOWN_STATS_TYPE",
	ErrBufferSize: "BUFFER_SIZE_MISMATCH",
	ErrIndex:      "INDEX_OUT_OF_RANGE",
	ErrNoObjects:  "NO_OBJECTS",
}

func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// ErrTooSmall is returned by a Detector when the image is too small to
// search.  The cache treats it as "no objects".
var ErrTooSmall = errors.New("image too small for object detection")

// MinimumConnectedPixels is the smallest object the detector is asked for
const MinimumConnectedPixels = 8

// Object is a detected point source
type Object struct {
	// Index is the position in the list, brightest first
	Index int `json:"index"`

	// CCDX and CCDY are the centroid in binned full-frame pixels
	CCDX float64 `json:"ccdX"`
	CCDY float64 `json:"ccdY"`

	// BufferX and BufferY are the centroid in the detected image
	BufferX float64 `json:"bufferX"`
	BufferY float64 `json:"bufferY"`

	// TotalCounts is the background subtracted integrated flux
	TotalCounts float64 `json:"totalCounts"`

	// PixelCount is the number of connected pixels above threshold
	PixelCount int `json:"pixelCount"`

	// PeakCounts is the background subtracted brightest pixel
	PeakCounts float64 `json:"peakCounts"`

	// IsStellar is true for round, star-like objects
	IsStellar bool `json:"isStellar"`

	// FWHMX and FWHMY are the full width at half maximum along each axis, pixels
	FWHMX float64 `json:"fwhmX"`
	FWHMY float64 `json:"fwhmY"`
}

// FWHM is the mean of the two axes
func (o Object) FWHM() float64 {
	return (o.FWHMX + o.FWHMY) / 2
}

// Ellipticity is 1 - minor/major of the FWHMs; 0 for a round object
func (o Object) Ellipticity() float64 {
	lo, hi := o.FWHMX, o.FWHMY
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return 1
	}
	return 1 - lo/hi
}

// Detector finds point sources in an image.  Objects are returned with
// buffer coordinates, counts, size and shape filled in.
type Detector interface {
	Detect(img []float32, ncols, nrows int, median, threshold float64, minPixels int) ([]Object, error)
}

// EllipticityLimiter is implemented by detectors whose stellar
// classification uses an ellipticity limit
type EllipticityLimiter interface {
	SetEllipticityLimit(float64)
}

// Bounds is a rectangle in CCD coordinates used to restrict selection
type Bounds struct {
	XMin float64 `json:"xMin"`
	XMax float64 `json:"xMax"`
	YMin float64 `json:"yMin"`
	YMax float64 `json:"yMax"`
}

// Contains returns true if the object's CCD position is inside b.  A nil
// Bounds contains everything.
func (b *Bounds) Contains(o Object) bool {
	if b == nil {
		return true
	}
	return o.CCDX >= b.XMin && o.CCDX <= b.XMax && o.CCDY >= b.YMin && o.CCDY <= b.YMax
}
