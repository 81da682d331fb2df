package imgrec

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFits streams a single frame of unsigned 16 bit data to w as a FITS
// file, stored as BITPIX 16 with BZERO 32768
func WriteFits(w io.Writer, metadata []fitsio.Card, data []uint16, ncols, nrows int) error {
	if len(data) != ncols*nrows {
		return fmt.Errorf("frame of %d pixels is not %dx%d", len(data), ncols, nrows)
	}
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	ints := make([]int16, len(data))
	for i, v := range data {
		ints[i] = int16(int32(v) - 32768)
	}
	return write(w, 16, metadata, ints, ncols, nrows)
}

// WriteFitsFloat streams a single frame of reduced data to w as a FITS
// file with BITPIX -32
func WriteFitsFloat(w io.Writer, metadata []fitsio.Card, data []float32, ncols, nrows int) error {
	if len(data) != ncols*nrows {
		return fmt.Errorf("frame of %d pixels is not %dx%d", len(data), ncols, nrows)
	}
	return write(w, -32, metadata, data, ncols, nrows)
}

func write(w io.Writer, bitpix int, metadata []fitsio.Card, data interface{}, ncols, nrows int) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(bitpix, []int{ncols, nrows})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(data)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
