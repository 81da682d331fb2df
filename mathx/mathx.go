// Package mathx holds the integer helpers shared by the engines and the SDB emitter.
package mathx

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Milli converts v to thousandths of its unit, truncated toward zero, which
// is how SDB datums carry fractional values
func Milli(v float64) int32 {
	return int32(v * 1000)
}
