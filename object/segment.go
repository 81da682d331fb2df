package object

import (
	"math"
	"sync"
)

// gaussian sigma to FWHM
const fwhmPerSigma = 2.3548

// DefaultEllipticityLimit is used until SetEllipticityLimit is called
const DefaultEllipticityLimit = 0.3

// Segmenter is a Detector that groups 8-connected pixels above the
// threshold and measures each group with background subtracted moments
type Segmenter struct {
	// Floor is the least height above the median a pixel must have to be
	// part of an object.  It keeps read noise out of low thresholds.
	Floor float64

	mu       sync.Mutex
	limit    float64
	limitSet bool
	visited  []bool
	stack    []int
}

// SetEllipticityLimit sets the largest ellipticity classified as stellar
func (s *Segmenter) SetEllipticityLimit(l float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit, s.limitSet = l, true
}

// Detect implements Detector
func (s *Segmenter) Detect(img []float32, ncols, nrows int, median, threshold float64, minPixels int) ([]Object, error) {
	if ncols < 3 || nrows < 3 || len(img) < ncols*nrows {
		return nil, ErrTooSmall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := DefaultEllipticityLimit
	if s.limitSet {
		limit = s.limit
	}
	if threshold < median+s.Floor {
		threshold = median + s.Floor
	}
	n := ncols * nrows
	if cap(s.visited) < n {
		s.visited = make([]bool, n)
	}
	s.visited = s.visited[:n]
	for i := range s.visited {
		s.visited[i] = false
	}

	var objs []Object
	pix := make([]int, 0, 64)
	for start := 0; start < n; start++ {
		if s.visited[start] || float64(img[start]) <= threshold {
			continue
		}
		pix = s.fill(img, ncols, nrows, start, threshold, pix[:0])
		if len(pix) < minPixels {
			continue
		}
		if o, ok := measure(img, ncols, pix, median); ok {
			o.IsStellar = o.FWHMX > 0 && o.FWHMY > 0 && o.Ellipticity() <= limit
			objs = append(objs, o)
		}
	}
	return objs, nil
}

// fill collects the 8-connected region above threshold containing start
func (s *Segmenter) fill(img []float32, ncols, nrows, start int, threshold float64, pix []int) []int {
	s.stack = append(s.stack[:0], start)
	s.visited[start] = true
	for len(s.stack) > 0 {
		p := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		pix = append(pix, p)
		x, y := p%ncols, p/ncols
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= ncols || ny >= nrows {
					continue
				}
				q := ny*ncols + nx
				if s.visited[q] || float64(img[q]) <= threshold {
					continue
				}
				s.visited[q] = true
				s.stack = append(s.stack, q)
			}
		}
	}
	return pix
}

func measure(img []float32, ncols int, pix []int, median float64) (Object, bool) {
	var sum, sx, sy, peak float64
	for _, p := range pix {
		w := float64(img[p]) - median
		if w <= 0 {
			continue
		}
		sum += w
		sx += w * float64(p%ncols)
		sy += w * float64(p/ncols)
		if w > peak {
			peak = w
		}
	}
	if sum <= 0 {
		return Object{}, false
	}
	cx, cy := sx/sum, sy/sum
	var vx, vy float64
	for _, p := range pix {
		w := float64(img[p]) - median
		if w <= 0 {
			continue
		}
		dx := float64(p%ncols) - cx
		dy := float64(p/ncols) - cy
		vx += w * dx * dx
		vy += w * dy * dy
	}
	return Object{
		BufferX:     cx,
		BufferY:     cy,
		TotalCounts: sum,
		PixelCount:  len(pix),
		PeakCounts:  peak,
		FWHMX:       fwhmPerSigma * math.Sqrt(vx/sum),
		FWHMY:       fwhmPerSigma * math.Sqrt(vy/sum),
	}, true
}
