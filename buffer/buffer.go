/*Package buffer holds the double-buffered image storage for the field and
guide streams.

Each stream owns SlotCount slots.  A slot holds a raw frame (uint16, as read
from the CCD) and a reduced frame (float32, calibrated in place), plus the
metadata of the exposure that filled it.  The raw and reduced frames of a
slot have independent locks; they are plain mutexes and not reentrant, so
every Lock must be paired with exactly one Unlock, usually via defer.

Resize reallocates every slot of a stream.  All new storage is allocated
before any slot lock is taken, so a failed allocation leaves the stream as it
was, and a reader holding a slot lock never observes a half-resized slot.
*/
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.jpl.nasa.gov/bdube/autoguider/config"
)

// SlotCount is the number of slots per stream
const SlotCount = 2

// Stream selects the field or guide image stream
type Stream int

const (
	// Field is the full-frame acquisition stream
	Field Stream = iota

	// Guide is the windowed guide stream
	Guide

	streamCount
)

func (s Stream) String() string {
	switch s {
	case Field:
		return "field"
	case Guide:
		return "guide"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Error is a buffer error code
type Error uint

const (
	// ErrBadStream is generated for an unknown stream
	ErrBadStream Error = 400

	// ErrBadDimensions is generated for non-positive sizes or binning
	ErrBadDimensions Error = 401

	// ErrAllocation is generated when a frame cannot be allocated
	ErrAllocation Error = 402

	// ErrSlotOutOfRange is generated for a slot index outside [0, SlotCount)
	ErrSlotOutOfRange Error = 411

	// ErrNilDestination is generated when a copy is given a nil slice
	ErrNilDestination Error = 412

	// ErrLengthMismatch is generated when a copy destination has the wrong length
	ErrLengthMismatch Error = 413

	// ErrNotLocked is generated when a slot is unlocked without being locked
	ErrNotLocked Error = 414
)

// ErrCodes maps error codes to their descriptions
var ErrCodes = map[Error]string{
	ErrBadStream:      "BAD_STREAM",
	ErrBadDimensions:  "BAD_DIMENSIONS",
	ErrAllocation:     "ALLOCATION_FAILED",
	ErrSlotOutOfRange: "SLOT_OUT_OF_RANGE",
	ErrNilDestination: "NIL_DESTINATION",
	ErrLengthMismatch: "LENGTH_MISMATCH",
	ErrNotLocked:      "NOT_LOCKED",
}

func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// Metadata describes the exposure held in a slot
type Metadata struct {
	// Start is the exposure start time
	Start time.Time `json:"start"`

	// LengthMs is the exposure length in milliseconds
	LengthMs int `json:"lengthMs"`

	// Temperature is the CCD temperature at readout, Celcius
	Temperature float64 `json:"temperature"`
}

// Geometry is the size of every frame in a stream
type Geometry struct {
	// NCols and NRows are the unbinned size
	NCols, NRows int

	// XBin and YBin are the binning factors
	XBin, YBin int

	// BinnedNCols and BinnedNRows are the frame size after binning
	BinnedNCols, BinnedNRows int
}

// PixelCount is the number of pixels in a binned frame
func (g Geometry) PixelCount() int {
	return g.BinnedNCols * g.BinnedNRows
}

type slot struct {
	rawMu   sync.Mutex
	redMu   sync.Mutex
	metaMu  sync.Mutex
	rawHeld atomic.Bool
	redHeld atomic.Bool

	raw     []uint16
	reduced []float32
	meta    Metadata
}

type stream struct {
	mu    sync.RWMutex
	geom  Geometry
	slots [SlotCount]slot
}

// Manager owns the frames of both streams
type Manager struct {
	streams [streamCount]stream
}

// New returns an empty manager; streams have no storage until Resize
func New() *Manager {
	return &Manager{}
}

// Initialise sizes the field stream from ccd.field.* and the guide stream
// to the default guide window (unbinned, guide.ncols.default x guide.nrows.default)
func (m *Manager) Initialise(cfg *config.Config) error {
	var (
		fieldDims [4]int
		err       error
	)
	for i, key := range []string{"ccd.field.ncols", "ccd.field.nrows", "ccd.field.x_bin", "ccd.field.y_bin"} {
		fieldDims[i], err = cfg.Int(key)
		if err != nil {
			return err
		}
	}
	if err = m.Resize(Field, fieldDims[0], fieldDims[1], fieldDims[2], fieldDims[3]); err != nil {
		return err
	}
	gcols, err := cfg.Int("guide.ncols.default")
	if err != nil {
		return err
	}
	grows, err := cfg.Int("guide.nrows.default")
	if err != nil {
		return err
	}
	return m.Resize(Guide, gcols, grows, 1, 1)
}

func (m *Manager) stream(s Stream) (*stream, error) {
	if s < 0 || s >= streamCount {
		return nil, fmt.Errorf("%w: %d", ErrBadStream, int(s))
	}
	return &m.streams[s], nil
}

func (m *Manager) slot(s Stream, idx int) (*slot, error) {
	st, err := m.stream(s)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= SlotCount {
		return nil, fmt.Errorf("%w: %s slot %d", ErrSlotOutOfRange, s, idx)
	}
	return &st.slots[idx], nil
}

// Geometry returns the current size of a stream
func (m *Manager) Geometry(s Stream) (Geometry, error) {
	st, err := m.stream(s)
	if err != nil {
		return Geometry{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.geom, nil
}

// Resize reallocates every slot of a stream for the given unbinned size and binning
func (m *Manager) Resize(s Stream, ncols, nrows, xbin, ybin int) error {
	st, err := m.stream(s)
	if err != nil {
		return err
	}
	if ncols < 1 || nrows < 1 || xbin < 1 || ybin < 1 {
		return fmt.Errorf("%w: %dx%d binned %dx%d", ErrBadDimensions, ncols, nrows, xbin, ybin)
	}
	g := Geometry{NCols: ncols, NRows: nrows, XBin: xbin, YBin: ybin,
		BinnedNCols: ncols / xbin, BinnedNRows: nrows / ybin}
	if g.BinnedNCols < 1 || g.BinnedNRows < 1 {
		return fmt.Errorf("%w: binned size %dx%d", ErrBadDimensions, g.BinnedNCols, g.BinnedNRows)
	}

	raws, reds, err := allocate(g.PixelCount())
	if err != nil {
		return err
	}

	// slot locks first, then the geometry lock, so a holder of a slot lock
	// may still read the geometry
	for i := range st.slots {
		st.slots[i].rawMu.Lock()
		st.slots[i].redMu.Lock()
	}
	st.mu.Lock()
	for i := range st.slots {
		sl := &st.slots[i]
		sl.raw = raws[i]
		sl.reduced = reds[i]
		sl.metaMu.Lock()
		sl.meta = Metadata{}
		sl.metaMu.Unlock()
	}
	st.geom = g
	st.mu.Unlock()
	for i := range st.slots {
		st.slots[i].redMu.Unlock()
		st.slots[i].rawMu.Unlock()
	}
	return nil
}

func allocate(n int) (raws [SlotCount][]uint16, reds [SlotCount][]float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %d pixels: %v", ErrAllocation, n, r)
		}
	}()
	for i := 0; i < SlotCount; i++ {
		raws[i] = make([]uint16, n)
		reds[i] = make([]float32, n)
	}
	return raws, reds, nil
}

// LockRaw locks the raw frame of a slot and returns it.  The slice is only
// valid until UnlockRaw.
func (m *Manager) LockRaw(s Stream, idx int) ([]uint16, error) {
	sl, err := m.slot(s, idx)
	if err != nil {
		return nil, err
	}
	sl.rawMu.Lock()
	sl.rawHeld.Store(true)
	return sl.raw, nil
}

// UnlockRaw releases the raw frame of a slot
func (m *Manager) UnlockRaw(s Stream, idx int) error {
	sl, err := m.slot(s, idx)
	if err != nil {
		return err
	}
	if !sl.rawHeld.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: %s raw slot %d", ErrNotLocked, s, idx)
	}
	sl.rawMu.Unlock()
	return nil
}

// LockReduced locks the reduced frame of a slot and returns it.  The slice
// is only valid until UnlockReduced.
func (m *Manager) LockReduced(s Stream, idx int) ([]float32, error) {
	sl, err := m.slot(s, idx)
	if err != nil {
		return nil, err
	}
	sl.redMu.Lock()
	sl.redHeld.Store(true)
	return sl.reduced, nil
}

// UnlockReduced releases the reduced frame of a slot
func (m *Manager) UnlockReduced(s Stream, idx int) error {
	sl, err := m.slot(s, idx)
	if err != nil {
		return err
	}
	if !sl.redHeld.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: %s reduced slot %d", ErrNotLocked, s, idx)
	}
	sl.redMu.Unlock()
	return nil
}

// CopyRawToReduced converts the raw frame of a slot into its reduced frame.
// The raw lock is taken before the reduced lock and released after it.
func (m *Manager) CopyRawToReduced(s Stream, idx int) error {
	raw, err := m.LockRaw(s, idx)
	if err != nil {
		return err
	}
	defer m.UnlockRaw(s, idx)
	red, err := m.LockReduced(s, idx)
	if err != nil {
		return err
	}
	defer m.UnlockReduced(s, idx)
	for i, v := range raw {
		red[i] = float32(v)
	}
	return nil
}

// RawCopy copies the raw frame of a slot into dst, which must have exactly
// the frame's length
func (m *Manager) RawCopy(s Stream, idx int, dst []uint16) error {
	if dst == nil {
		return ErrNilDestination
	}
	raw, err := m.LockRaw(s, idx)
	if err != nil {
		return err
	}
	defer m.UnlockRaw(s, idx)
	if len(dst) != len(raw) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// ReducedCopy copies the reduced frame of a slot into dst, which must have
// exactly the frame's length
func (m *Manager) ReducedCopy(s Stream, idx int, dst []float32) error {
	if dst == nil {
		return ErrNilDestination
	}
	red, err := m.LockReduced(s, idx)
	if err != nil {
		return err
	}
	defer m.UnlockReduced(s, idx)
	if len(dst) != len(red) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(dst), len(red))
	}
	copy(dst, red)
	return nil
}

// SetMetadata records the exposure that filled a slot
func (m *Manager) SetMetadata(s Stream, idx int, md Metadata) error {
	sl, err := m.slot(s, idx)
	if err != nil {
		return err
	}
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	sl.meta = md
	return nil
}

// Metadata returns the exposure that filled a slot
func (m *Manager) Metadata(s Stream, idx int) (Metadata, error) {
	sl, err := m.slot(s, idx)
	if err != nil {
		return Metadata{}, err
	}
	sl.metaMu.Lock()
	defer sl.metaMu.Unlock()
	return sl.meta, nil
}
