/*Package field implements field acquisition: full frame exposures, retried
with a doubled or halved exposure length until a frame contains a star fit
to guide on.

Field runs on the caller's goroutine and returns when the field is done or
cannot be improved.  Expose takes a single frame at the current exposure
length.  Neither may run while the guide loop is running.
*/
package field

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.jpl.nasa.gov/bdube/autoguider/buffer"
	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/cil"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/mathx"
	"github.jpl.nasa.gov/bdube/autoguider/object"
)

// Error is a field engine error code
type Error uint

const (
	// ErrProgram is generated when the camera rejects the field geometry
	ErrProgram Error = 504

	// ErrExpose is generated when a field exposure fails
	ErrExpose Error = 507

	// ErrAlreadyFielding is generated when a field operation is in progress
	ErrAlreadyFielding Error = 509

	// ErrGuiding is generated when the guide loop is running
	ErrGuiding Error = 510

	// ErrNoExposureLength is generated by Expose when no exposure length is set
	ErrNoExposureLength Error = 518

	// ErrExposureLength is generated for a negative exposure length
	ErrExposureLength Error = 519
)

// ErrCodes maps errors to their descriptions
var ErrCodes = map[Error]string{
	ErrProgram:          "failed to program field dimensions",
	ErrExpose:           "field exposure failed",
	ErrAlreadyFielding:  "already fielding",
	ErrGuiding:          "already guiding",
	ErrNoExposureLength: "no exposure length set",
	ErrExposureLength:   "illegal field exposure length",
}

// Error satisfies the error interface
func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", uint(e), s)
	}
	return fmt.Sprintf("%d - unknown field error", uint(e))
}

// peak counts of a star fit to guide on are strictly between these
const (
	MinPeakCounts = 100
	MaxPeakCounts = 40000
)

// Reporter receives the AG state
type Reporter interface {
	SetState(s cil.State) error
	Flush(ctx context.Context) error
}

// GuideState reports whether the guide loop is running
type GuideState interface {
	IsGuiding() bool
}

// Frame summarises one field exposure
type Frame struct {
	Session    string
	ID         int
	Number     int
	Buffer     int
	Start      time.Time
	ExposureMs int
	NCols      int
	NRows      int
	Objects    int
}

// Observer is told about every field exposure
type Observer interface {
	ObserveField(Frame)
}

// FrameRecorder saves reduced field frames
type FrameRecorder interface {
	RecordField(f Frame, img []float32, ncols, nrows int) error
}

// Status is a snapshot of the engine
type Status struct {
	Fielding     bool   `json:"fielding"`
	Session      string `json:"session"`
	ID           int    `json:"id"`
	Frame        int    `json:"frame"`
	ExposureMs   int    `json:"exposureMs"`
	Locked       bool   `json:"exposureLengthLocked"`
	LastBuffer   int    `json:"lastBuffer"`
	DarkSubtract bool   `json:"darkSubtract"`
	FlatField    bool   `json:"flatField"`
	ObjectDetect bool   `json:"objectDetect"`
}

// Engine performs field operations
type Engine struct {
	cfg     *config.Config
	cam     camera.Driver
	buf     *buffer.Manager
	dark    *calib.Dark
	flat    *calib.Flat
	objects *object.Cache
	report  Reporter
	guide   GuideState

	// Observer, when not nil, receives every frame
	Observer Observer

	// Recorder, when not nil, saves every reduced frame
	Recorder FrameRecorder

	mu           sync.Mutex
	fielding     bool
	exposureMs   int
	locked       bool
	darkSubtract bool
	flatField    bool
	detect       bool
	dims         camera.Dimensions
	session      string
	id           int
	frame        int
	inUse        int
	last         int
	temp         float64
}

// New returns an idle engine.  guide may be nil, and set later with SetGuideState.
func New(cfg *config.Config, cam camera.Driver, buf *buffer.Manager, dark *calib.Dark, flat *calib.Flat,
	objects *object.Cache, report Reporter, guide GuideState) *Engine {
	return &Engine{
		cfg:          cfg,
		cam:          cam,
		buf:          buf,
		dark:         dark,
		flat:         flat,
		objects:      objects,
		report:       report,
		guide:        guide,
		exposureMs:   -1,
		darkSubtract: true,
		flatField:    true,
		detect:       true,
		inUse:        -1,
	}
}

// SetGuideState sets the guide loop checked on entry
func (e *Engine) SetGuideState(g GuideState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guide = g
}

// Initialise reads the reduction toggles from configuration
func (e *Engine) Initialise() error {
	ds, err := e.cfg.Bool("field.dark_subtract")
	if err != nil {
		return err
	}
	ff, err := e.cfg.Bool("field.flat_field")
	if err != nil {
		return err
	}
	od, err := e.cfg.Bool("field.object_detect")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.darkSubtract, e.flatField, e.detect = ds, ff, od
	return nil
}

// IsFielding returns true while a field operation is running
func (e *Engine) IsFielding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fielding
}

// SetExposureLength sets the exposure length.  A locked length is used
// as is by Field.
func (e *Engine) SetExposureLength(ms int, lock bool) error {
	if ms < 0 {
		return fmt.Errorf("%w: %d", ErrExposureLength, ms)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exposureMs, e.locked = ms, lock
	return nil
}

// ExposureLength returns the exposure length in ms, -1 if none has been set
func (e *Engine) ExposureLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposureMs
}

// IsExposureLengthLocked returns true if the exposure length is locked
func (e *Engine) IsExposureLengthLocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// SetDarkSubtract turns dark subtraction on or off
func (e *Engine) SetDarkSubtract(b bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.darkSubtract = b
	return nil
}

// SetFlatField turns flat fielding on or off
func (e *Engine) SetFlatField(b bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flatField = b
	return nil
}

// SetObjectDetect turns object detection on or off
func (e *Engine) SetObjectDetect(b bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detect = b
	return nil
}

// DarkSubtract returns true if dark subtraction is on
func (e *Engine) DarkSubtract() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.darkSubtract, nil
}

// FlatField returns true if flat fielding is on
func (e *Engine) FlatField() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flatField, nil
}

// ObjectDetect returns true if object detection is on
func (e *Engine) ObjectDetect() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detect, nil
}

// LastBufferIndex returns the slot of the last completed frame
func (e *Engine) LastBufferIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// ID returns the id of the last field operation
func (e *Engine) ID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Frame returns the number of frames taken by the last field operation
func (e *Engine) Frame() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Fielding:     e.fielding,
		Session:      e.session,
		ID:           e.id,
		Frame:        e.frame,
		ExposureMs:   e.exposureMs,
		Locked:       e.locked,
		LastBuffer:   e.last,
		DarkSubtract: e.darkSubtract,
		FlatField:    e.flatField,
		ObjectDetect: e.detect,
	}
}

// enter claims the engine for a field operation
func (e *Engine) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fielding {
		return ErrAlreadyFielding
	}
	if e.guide != nil && e.guide.IsGuiding() {
		return ErrGuiding
	}
	e.fielding = true
	return nil
}

func (e *Engine) exit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fielding = false
	e.inUse = -1
}

// setState sets and flushes the AG state, best effort
func (e *Engine) setState(ctx context.Context, s cil.State) {
	if e.report == nil {
		return
	}
	if err := e.report.SetState(s); err != nil {
		log.Printf("field: setting state %s: %v", s, err)
		return
	}
	if err := e.report.Flush(ctx); err != nil {
		log.Printf("field: flushing state %s: %v", s, err)
	}
}

// Field exposes the full frame until it holds a star fit to guide on, or
// the exposure length cannot be improved.  On success the AG state is left
// as WORKING so that guiding can follow without passing through IDLE.
func (e *Engine) Field(ctx context.Context) (err error) {
	if err = e.enter(); err != nil {
		return err
	}
	defer e.exit()
	defer func() {
		if err != nil {
			log.Printf("field: %v", err)
			e.setState(ctx, cil.StateIdle)
		}
	}()
	e.setState(ctx, cil.StateWorking)

	bounds, err := LoadBounds(e.cfg)
	if err != nil {
		return err
	}
	if err = e.program(); err != nil {
		return err
	}

	e.mu.Lock()
	ms, locked := e.exposureMs, e.locked
	e.mu.Unlock()
	if !locked || ms < 0 {
		if ms, err = e.cfg.Int("ccd.exposure.field.default"); err != nil {
			return err
		}
	}
	ms, _, err = e.dark.Nearest(ms)
	if err != nil {
		return err
	}
	if err = e.setExposure(ms); err != nil {
		return err
	}
	if err = e.selectFlat(); err != nil {
		return err
	}
	e.begin()

	tried := map[int]bool{}
	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		objs, err := e.exposeAndReduce(ctx, true)
		if err != nil {
			return err
		}
		next, done, err := e.checkDone(objs, bounds, tried)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err = e.setExposure(next); err != nil {
			return err
		}
	}
}

// Expose takes one full frame exposure at the current exposure length
func (e *Engine) Expose(ctx context.Context) (err error) {
	if err = e.enter(); err != nil {
		return err
	}
	defer e.exit()
	e.mu.Lock()
	ms := e.exposureMs
	e.mu.Unlock()
	if ms < 0 {
		return ErrNoExposureLength
	}
	if err = e.program(); err != nil {
		return err
	}
	if err = e.setExposure(ms); err != nil {
		return err
	}
	if err = e.selectFlat(); err != nil {
		return err
	}
	e.begin()
	_, err = e.exposeAndReduce(ctx, false)
	return err
}

// begin starts a new field id and frame count
func (e *Engine) begin() {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.id = (now.Year()-1900)*1000000000 + (now.YearDay()-1)*1000000 + now.Hour()*10000 + now.Minute()*100 + now.Second()
	e.session = uuid.New().String()
	e.frame = 0
}

// program reads the field geometry, programs it unwindowed and sizes the
// field buffer
func (e *Engine) program() error {
	var d camera.Dimensions
	var err error
	for _, kv := range []struct {
		key string
		dst *int
	}{{"ccd.field.ncols", &d.NCols}, {"ccd.field.nrows", &d.NRows}, {"ccd.field.x_bin", &d.XBin}, {"ccd.field.y_bin", &d.YBin}} {
		if *kv.dst, err = e.cfg.Int(kv.key); err != nil {
			return err
		}
	}
	if d, err = e.cam.CheckDimensions(d); err != nil {
		return fmt.Errorf("%w: %v", ErrProgram, err)
	}
	if err = e.cam.ProgramDimensions(d); err != nil {
		return fmt.Errorf("%w: %v", ErrProgram, err)
	}
	g, err := e.buf.Geometry(buffer.Field)
	if err != nil {
		return err
	}
	if g.NCols != d.NCols || g.NRows != d.NRows || g.XBin != d.XBin || g.YBin != d.YBin {
		if err = e.buf.Resize(buffer.Field, d.NCols, d.NRows, d.XBin, d.YBin); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.dims = d
	e.mu.Unlock()
	return nil
}

// setExposure records ms and makes the matching dark current
func (e *Engine) setExposure(ms int) error {
	e.mu.Lock()
	e.exposureMs = ms
	d, ds := e.dims, e.darkSubtract
	e.mu.Unlock()
	if !ds {
		return nil
	}
	return e.dark.Set(d.BinnedNCols(), d.BinnedNRows(), d.XBin, d.YBin, ms)
}

func (e *Engine) selectFlat() error {
	e.mu.Lock()
	d, ff := e.dims, e.flatField
	e.mu.Unlock()
	if !ff {
		return nil
	}
	return e.flat.Set(d.BinnedNCols(), d.BinnedNRows(), d.XBin, d.YBin)
}

// exposeAndReduce exposes the alternate slot, reduces it and returns the
// objects found
func (e *Engine) exposeAndReduce(ctx context.Context, useStdDev bool) ([]object.Object, error) {
	e.mu.Lock()
	idx := 1 - e.last
	e.inUse = idx
	ms, d := e.exposureMs, e.dims
	ds, ff, od := e.darkSubtract, e.flatField, e.detect
	id, frame, session := e.id, e.frame, e.session
	e.mu.Unlock()

	md, err := e.expose(ctx, idx, ms)
	if err != nil {
		return nil, err
	}
	ncols, nrows := d.BinnedNCols(), d.BinnedNRows()
	objs, err := e.reduce(idx, ncols, nrows, ds, ff, od, useStdDev, id, frame)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.last = idx
	e.inUse = -1
	e.frame++
	e.mu.Unlock()
	log.Printf("field: frame %d, %d ms, %d objects", frame, ms, len(objs))

	f := Frame{Session: session, ID: id, Number: frame, Buffer: idx, Start: md.Start,
		ExposureMs: ms, NCols: ncols, NRows: nrows, Objects: len(objs)}
	if e.Observer != nil {
		e.Observer.ObserveField(f)
	}
	if e.Recorder != nil {
		img := make([]float32, ncols*nrows)
		if err := e.buf.ReducedCopy(buffer.Field, idx, img); err != nil {
			log.Printf("field: copying frame %d for recording: %v", frame, err)
		} else if err := e.Recorder.RecordField(f, img, ncols, nrows); err != nil {
			log.Printf("field: recording frame %d: %v", frame, err)
		}
	}
	return objs, nil
}

func (e *Engine) expose(ctx context.Context, idx, ms int) (buffer.Metadata, error) {
	md := buffer.Metadata{LengthMs: ms}
	raw, err := e.buf.LockRaw(buffer.Field, idx)
	if err != nil {
		return md, err
	}
	defer e.buf.UnlockRaw(buffer.Field, idx)
	if err = e.cam.Expose(ctx, true, time.Time{}, ms, raw); err != nil {
		return md, fmt.Errorf("%w: %v", ErrExpose, err)
	}
	if md.Start, err = e.cam.ExposureStartTime(); err != nil {
		log.Printf("field: exposure start time: %v", err)
		md.Start = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, _, err := e.cam.Temperature(); err != nil {
		log.Printf("field: temperature: %v, using %.2f", err, e.temp)
	} else {
		e.temp = t
	}
	md.Temperature = e.temp
	return md, e.buf.SetMetadata(buffer.Field, idx, md)
}

func (e *Engine) reduce(idx, ncols, nrows int, ds, ff, od, useStdDev bool, id, frame int) ([]object.Object, error) {
	if err := e.buf.CopyRawToReduced(buffer.Field, idx); err != nil {
		return nil, err
	}
	red, err := e.buf.LockReduced(buffer.Field, idx)
	if err != nil {
		return nil, err
	}
	defer e.buf.UnlockReduced(buffer.Field, idx)
	if ds {
		if err = e.dark.Subtract(red, ncols, nrows, nil); err != nil {
			return nil, err
		}
	}
	if ff {
		if err = e.flat.Apply(red, ncols, nrows, nil); err != nil {
			return nil, err
		}
	}
	if !od {
		return nil, nil
	}
	if err = e.objects.Detect(red, ncols, nrows, 0, 0, useStdDev, id, frame); err != nil {
		return nil, err
	}
	return e.objects.List(), nil
}

// checkDone decides whether the last frame is good enough.  If not, it
// returns the next exposure length to try.  tried holds the dark indices
// already exposed at, so a halve then double cycle stops.
func (e *Engine) checkDone(objs []object.Object, bounds object.Bounds, tried map[int]bool) (int, bool, error) {
	e.mu.Lock()
	ms, locked, od, d := e.exposureMs, e.locked, e.detect, e.dims
	e.mu.Unlock()
	if !od || locked {
		return ms, true, nil
	}
	_, idx, err := e.dark.Nearest(ms)
	if err != nil {
		return ms, true, err
	}
	tried[idx] = true

	next := ms * 2
	switch {
	case len(objs) == 0:
		log.Printf("field: no objects at %d ms", ms)
	case anyGood(objs, bounds, d.BinnedNCols(), d.BinnedNRows()):
		log.Printf("field: done at %d ms, %d objects", ms, len(objs))
		return ms, true, nil
	case len(objs) == 1 && objs[0].PeakCounts >= MaxPeakCounts:
		log.Printf("field: only object is saturated at %d ms (peak %.0f)", ms, objs[0].PeakCounts)
		next = ms / 2
	default:
		log.Printf("field: no guidable objects among %d at %d ms", len(objs), ms)
	}

	lo, err := e.cfg.Int("ccd.exposure.minimum")
	if err != nil {
		return ms, true, err
	}
	hi, err := e.cfg.Int("ccd.exposure.maximum")
	if err != nil {
		return ms, true, err
	}
	next, nidx, err := e.dark.Nearest(mathx.Clamp(next, lo, hi))
	if err != nil {
		return ms, true, err
	}
	if nidx == idx || tried[nidx] {
		log.Printf("field: exposure length cannot be improved from %d ms", ms)
		return ms, true, nil
	}
	return next, false, nil
}

// anyGood returns true if an object is stellar, unsaturated, inside bounds
// and at least a FWHM from every edge of an ncols x nrows frame
func anyGood(objs []object.Object, bounds object.Bounds, ncols, nrows int) bool {
	for _, o := range objs {
		if !o.IsStellar || o.PeakCounts <= MinPeakCounts || o.PeakCounts >= MaxPeakCounts {
			continue
		}
		if !bounds.Contains(o) {
			continue
		}
		if o.CCDX < o.FWHMX || o.CCDX > float64(ncols-1)-o.FWHMX ||
			o.CCDY < o.FWHMY || o.CCDY > float64(nrows-1)-o.FWHMY {
			continue
		}
		return true
	}
	return false
}

// LoadBounds reads the rectangle a field object must lie in to be guided on
func LoadBounds(cfg *config.Config) (object.Bounds, error) {
	var b object.Bounds
	var err error
	for _, kv := range []struct {
		key string
		dst *float64
	}{
		{"field.object.bounds.x.min", &b.XMin},
		{"field.object.bounds.x.max", &b.XMax},
		{"field.object.bounds.y.min", &b.YMin},
		{"field.object.bounds.y.max", &b.YMax},
	} {
		if *kv.dst, err = cfg.Float(kv.key); err != nil {
			return b, err
		}
	}
	return b, nil
}
