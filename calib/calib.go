/*Package calib holds the currently loaded dark and flat calibration frames
and applies them to reduced images.

A dark is keyed by binning and exposure length, a flat by binning.  Frames
are loaded lazily through a Loader when the key changes, using filenames
looked up in the configuration:

	dark.filename.<xbin>.<ybin>.<exposure length ms>
	flat.filename.<xbin>.<ybin>

The exposure lengths for which darks exist are listed by
dark.exposure_length.0, dark.exposure_length.1, ...; exposure lengths chosen
by the field and guide loops are rounded to the nearest of these.
*/
package calib

import (
	"fmt"
)

// Error is a calibration error code
type Error uint

const (
	// ErrDarkXBin is generated for a horizontal binning < 1
	ErrDarkXBin Error = 805

	// ErrDarkYBin is generated for a vertical binning < 1
	ErrDarkYBin Error = 806

	// ErrDarkExposureLength is generated for a negative exposure length
	ErrDarkExposureLength Error = 807

	// ErrDarkFilename is generated when no dark filename is configured for a key
	ErrDarkFilename Error = 808

	// ErrDarkLoad is generated when the dark file cannot be read
	ErrDarkLoad Error = 809

	// ErrDarkNAxis is generated when the dark is not two dimensional
	ErrDarkNAxis Error = 810

	// ErrDarkNCols is generated when the dark width is not the binned frame width
	ErrDarkNCols Error = 814

	// ErrDarkNRows is generated when the dark height is not the binned frame height
	ErrDarkNRows Error = 815

	// ErrDarkWindowSize is generated when a windowed buffer is not the window size
	ErrDarkWindowSize Error = 819

	// ErrDarkFrameSize is generated when an unwindowed buffer is not ncols*nrows
	ErrDarkFrameSize Error = 820

	// ErrDarkNColsMismatch is generated when an unwindowed frame is not the dark width
	ErrDarkNColsMismatch Error = 821

	// ErrDarkNRowsMismatch is generated when an unwindowed frame is not the dark height
	ErrDarkNRowsMismatch Error = 822

	// ErrDarkWindowX is generated when the window extends past the dark in x
	ErrDarkWindowX Error = 823

	// ErrDarkWindowY is generated when the window extends past the dark in y
	ErrDarkWindowY Error = 824

	// ErrDarkNotLoaded is generated when Subtract is called before Set
	ErrDarkNotLoaded Error = 825

	// ErrNoExposureLengths is generated when no dark exposure lengths are configured
	ErrNoExposureLengths Error = 826

	// ErrExposureLengthIndex is generated for an index outside the exposure length list
	ErrExposureLengthIndex Error = 827

	// ErrFlatXBin is generated for a horizontal binning < 1
	ErrFlatXBin Error = 901

	// ErrFlatYBin is generated for a vertical binning < 1
	ErrFlatYBin Error = 902

	// ErrFlatFilename is generated when no flat filename is configured for a key
	ErrFlatFilename Error = 903

	// ErrFlatLoad is generated when the flat file cannot be read
	ErrFlatLoad Error = 904

	// ErrFlatNAxis is generated when the flat is not two dimensional
	ErrFlatNAxis Error = 905

	// ErrFlatNCols is generated when the flat width is not the binned frame width
	ErrFlatNCols Error = 906

	// ErrFlatNRows is generated when the flat height is not the binned frame height
	ErrFlatNRows Error = 907

	// ErrFlatNotLoaded is generated when Apply is called before Set
	ErrFlatNotLoaded Error = 908

	// ErrFlatWindowSize is generated when a windowed buffer is not the window size
	ErrFlatWindowSize Error = 909

	// ErrFlatWindowX is generated when the window reaches the last flat column
	ErrFlatWindowX Error = 910

	// ErrFlatWindowY is generated when the window reaches the last flat row
	ErrFlatWindowY Error = 911

	// ErrFlatFrameSize is generated when an unwindowed buffer is not ncols*nrows
	ErrFlatFrameSize Error = 912

	// ErrFlatNColsMismatch is generated when an unwindowed frame is not the flat width
	ErrFlatNColsMismatch Error = 913

	// ErrFlatNRowsMismatch is generated when an unwindowed frame is not the flat height
	ErrFlatNRowsMismatch Error = 914
)

// ErrCodes maps error codes to their descriptions
var ErrCodes = map[Error]string{
	ErrDarkXBin:            "DARK_ILLEGAL_X_BIN",
	ErrDarkYBin:            "DARK_ILLEGAL_Y_BIN",
	ErrDarkExposureLength:  "DARK_ILLEGAL_EXPOSURE_LENGTH",
	ErrDarkFilename:        "DARK_FILENAME_NOT_CONFIGURED",
	ErrDarkLoad:            "DARK_LOAD_FAILED",
	ErrDarkNAxis:           "DARK_NAXIS_NOT_2",
	ErrDarkNCols:           "DARK_NCOLS_MISMATCH",
	ErrDarkNRows:           "DARK_NROWS_MISMATCH",
	ErrDarkWindowSize:      "DARK_WINDOW_SIZE_MISMATCH",
	ErrDarkFrameSize:       "DARK_FRAME_SIZE_MISMATCH",
	ErrDarkNColsMismatch:   "DARK_FRAME_NCOLS_MISMATCH",
	ErrDarkNRowsMismatch:   "DARK_FRAME_NROWS_MISMATCH",
	ErrDarkWindowX:         "DARK_WINDOW_X_OUT_OF_RANGE",
	ErrDarkWindowY:         "DARK_WINDOW_Y_OUT_OF_RANGE",
	ErrDarkNotLoaded:       "DARK_NOT_LOADED",
	ErrNoExposureLengths:   "DARK_NO_EXPOSURE_LENGTHS",
	ErrExposureLengthIndex: "DARK_EXPOSURE_LENGTH_INDEX_OUT_OF_RANGE",
	ErrFlatXBin:            "FLAT_ILLEGAL_X_BIN",
	ErrFlatYBin:            "FLAT_ILLEGAL_Y_BIN",
	ErrFlatFilename:        "FLAT_FILENAME_NOT_CONFIGURED",
	ErrFlatLoad:            "FLAT_LOAD_FAILED",
	ErrFlatNAxis:           "FLAT_NAXIS_NOT_2",
	ErrFlatNCols:           "FLAT_NCOLS_MISMATCH",
	ErrFlatNRows:           "FLAT_NROWS_MISMATCH",
	ErrFlatNotLoaded:       "FLAT_NOT_LOADED",
	ErrFlatWindowSize:      "FLAT_WINDOW_SIZE_MISMATCH",
	ErrFlatWindowX:         "FLAT_WINDOW_X_OUT_OF_RANGE",
	ErrFlatWindowY:         "FLAT_WINDOW_Y_OUT_OF_RANGE",
	ErrFlatFrameSize:       "FLAT_FRAME_SIZE_MISMATCH",
	ErrFlatNColsMismatch:   "FLAT_FRAME_NCOLS_MISMATCH",
	ErrFlatNRowsMismatch:   "FLAT_FRAME_NROWS_MISMATCH",
}

func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// Frame is a two dimensional calibration image
type Frame struct {
	// NAxis is the number of axes in the file
	NAxis int

	// NCols is the width (NAXIS1)
	NCols int

	// NRows is the height (NAXIS2)
	NRows int

	// Data holds NCols*NRows pixels, row major
	Data []float32
}

// Loader reads calibration frames
type Loader interface {
	Load(filename string) (Frame, error)
}

// LoaderFunc adapts a function to the Loader interface
type LoaderFunc func(string) (Frame, error)

// Load calls f
func (f LoaderFunc) Load(filename string) (Frame, error) {
	return f(filename)
}
