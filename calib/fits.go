package calib

import (
	"fmt"
	"os"

	"github.com/astrogo/fitsio"
)

// FITSLoader reads calibration frames from the primary HDU of FITS files.
// BITPIX 16, 32, -32 and -64 are supported; BZERO and BSCALE are applied.
type FITSLoader struct{}

// Load reads filename
func (FITSLoader) Load(filename string) (Frame, error) {
	fid, err := os.Open(filename)
	if err != nil {
		return Frame{}, err
	}
	defer fid.Close()
	f, err := fitsio.Open(fid)
	if err != nil {
		return Frame{}, err
	}
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return Frame{}, fmt.Errorf("%s: primary HDU is not an image", filename)
	}
	hdr := img.Header()
	axes := hdr.Axes()
	fr := Frame{NAxis: len(axes)}
	if len(axes) != 2 {
		return fr, nil
	}
	fr.NCols, fr.NRows = axes[0], axes[1]
	n := fr.NCols * fr.NRows

	bzero, bscale := 0.0, 1.0
	if c := hdr.Get("BZERO"); c != nil {
		bzero = cardFloat(c.Value, 0)
	}
	if c := hdr.Get("BSCALE"); c != nil {
		bscale = cardFloat(c.Value, 1)
	}

	fr.Data = make([]float32, n)
	switch hdr.Bitpix() {
	case 16:
		raw := make([]int16, n)
		if err = img.Read(&raw); err != nil {
			return fr, err
		}
		for i, v := range raw {
			fr.Data[i] = float32(float64(v)*bscale + bzero)
		}
	case 32:
		raw := make([]int32, n)
		if err = img.Read(&raw); err != nil {
			return fr, err
		}
		for i, v := range raw {
			fr.Data[i] = float32(float64(v)*bscale + bzero)
		}
	case -32:
		raw := make([]float32, n)
		if err = img.Read(&raw); err != nil {
			return fr, err
		}
		for i, v := range raw {
			fr.Data[i] = float32(float64(v)*bscale + bzero)
		}
	case -64:
		raw := make([]float64, n)
		if err = img.Read(&raw); err != nil {
			return fr, err
		}
		for i, v := range raw {
			fr.Data[i] = float32(v*bscale + bzero)
		}
	default:
		return fr, fmt.Errorf("%s: unsupported BITPIX %d", filename, hdr.Bitpix())
	}
	return fr, nil
}

func cardFloat(v interface{}, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	default:
		return def
	}
}
