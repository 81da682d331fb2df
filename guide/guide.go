/*Package guide implements the closed loop guide engine.

On starts a goroutine which repeatedly exposes a window of the CCD around the
guide star, reduces it, measures the star and sends a correction packet to
the TCS and status to the SDB.  Off asks the loop to stop at the end of the
current iteration and waits for it; an exposure in progress always completes.

While guiding the engine can rescale the exposure length to keep the star's
counts inside a band, and move the window to follow the star.
*/
package guide

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
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

// Error is a guide engine error code
type Error uint

const (
	// ErrWindow is generated when a guide window is negative or degenerate
	ErrWindow Error = 700

	// ErrExposureLength is generated for a negative exposure length
	ErrExposureLength Error = 701

	// ErrAlreadyGuiding is generated when On is called while guiding
	ErrAlreadyGuiding Error = 702

	// ErrFielding is generated when On is called during a field operation
	ErrFielding Error = 703

	// ErrNotGuiding is generated when Off is called while not guiding
	ErrNotGuiding Error = 710

	// ErrProgram is generated when the camera rejects the guide geometry
	ErrProgram Error = 711

	// ErrExpose is generated when a guide exposure fails
	ErrExpose Error = 713

	// ErrGuideLost is generated when no star is seen at the longest exposure length
	ErrGuideLost Error = 720

	// ErrScaleType is generated for an unknown guide.counts.scale_type
	ErrScaleType Error = 727
)

// ErrCodes maps errors to their descriptions
var ErrCodes = map[Error]string{
	ErrWindow:         "illegal guide window",
	ErrExposureLength: "illegal guide exposure length",
	ErrAlreadyGuiding: "guide loop already running",
	ErrFielding:       "field operation in progress",
	ErrNotGuiding:     "guide loop is not running",
	ErrProgram:        "failed to program guide dimensions",
	ErrExpose:         "guide exposure failed",
	ErrGuideLost:      "guide star lost at the maximum exposure length",
	ErrScaleType:      "illegal guide counts scale type",
}

// Error satisfies the error interface
func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", uint(e), s)
	}
	return fmt.Sprintf("%d - unknown guide error", uint(e))
}

// DefaultMagnitude is reported when a magnitude cannot be computed
const DefaultMagnitude = 20.0

// Emitter receives guide packets and status datums
type Emitter interface {
	SendGuidePacket(ctx context.Context, p cil.GuidePacket) error
	SetState(s cil.State) error
	SetExposureTime(ms int) error
	SetCentroid(x, y, fwhm, mag float64) error
	SetWindow(w camera.Window) error
	Flush(ctx context.Context) error
}

// FieldState reports whether a field operation is running
type FieldState interface {
	IsFielding() bool
}

// Frame summarises one completed guide iteration
type Frame struct {
	Session    string
	ID         int
	Number     int
	Buffer     int
	Start      time.Time
	ExposureMs int
	Cadence    time.Duration
	Window     camera.Window
	Objects    int

	// Star is the object the packet was computed from, valid if Objects > 0
	Star object.Object

	// Reliability is the status character computed for Star: '0' plus
	// bit 0 for ellipticity and bit 1 for peak counts out of band
	Reliability byte

	// Packet is the packet sent, valid if Sent
	Packet cil.GuidePacket
	Sent   bool
}

// Observer is told about every completed guide frame
type Observer interface {
	ObserveGuide(Frame)
}

// FrameRecorder saves reduced guide frames
type FrameRecorder interface {
	RecordGuide(f Frame, img []float32, ncols, nrows int) error
}

// Status is a snapshot of the engine
type Status struct {
	Guiding      bool          `json:"guiding"`
	Session      string        `json:"session"`
	ID           int           `json:"id"`
	Frame        int           `json:"frame"`
	ExposureMs   int           `json:"exposureMs"`
	Locked       bool          `json:"exposureLengthLocked"`
	Window       camera.Window `json:"window"`
	LastBuffer   int           `json:"lastBuffer"`
	CadenceMs    float64       `json:"cadenceMs"`
	Objects      int           `json:"objects"`
	DarkSubtract bool          `json:"darkSubtract"`
	FlatField    bool          `json:"flatField"`
	ObjectDetect bool          `json:"objectDetect"`
	Error        string        `json:"error,omitempty"`
}

// Engine is the guide loop.  Observer and Recorder, if used, must be set
// before the first call to On.
type Engine struct {
	cfg     *config.Config
	cam     camera.Driver
	buf     *buffer.Manager
	dark    *calib.Dark
	flat    *calib.Flat
	objects *object.Cache
	emit    Emitter
	field   FieldState

	// Observer, when not nil, receives every frame
	Observer Observer

	// Recorder, when not nil, saves every reduced frame
	Recorder FrameRecorder

	quit atomic.Bool

	mu           sync.Mutex
	guiding      bool
	done         chan struct{}
	err          error
	window       camera.Window
	exposureMs   int
	locked       bool
	darkSubtract bool
	flatField    bool
	detect       bool
	targetX      float64
	targetY      float64
	hasTarget    bool
	id           int
	session      string
	frame        int
	inUse        int
	last         int
	cadence      time.Duration
	nobjects     int
}

// New returns an idle engine.  field may be nil when nothing else can use
// the camera.
func New(cfg *config.Config, cam camera.Driver, buf *buffer.Manager, dark *calib.Dark, flat *calib.Flat,
	objects *object.Cache, emit Emitter, field FieldState) *Engine {
	return &Engine{
		cfg:          cfg,
		cam:          cam,
		buf:          buf,
		dark:         dark,
		flat:         flat,
		objects:      objects,
		emit:         emit,
		field:        field,
		exposureMs:   -1,
		darkSubtract: true,
		flatField:    true,
		detect:       true,
		inUse:        -1,
	}
}

// Initialise reads the reduction toggles from configuration
func (e *Engine) Initialise() error {
	r := reader{cfg: e.cfg}
	ds := r.bool("guide.dark_subtract")
	ff := r.bool("guide.flat_field")
	od := r.bool("guide.object_detect")
	if r.err != nil {
		return r.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.darkSubtract, e.flatField, e.detect = ds, ff, od
	return nil
}

// IsGuiding returns true while the loop is running
func (e *Engine) IsGuiding() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guiding
}

// Err returns the error that ended the last guide loop, if any
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// SetWindow sets the guide window.  Used by the loop from its next iteration.
func (e *Engine) SetWindow(w camera.Window) error {
	if err := w.Valid(); err != nil {
		return fmt.Errorf("%w: %v", ErrWindow, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = w
	return nil
}

// Window returns the current guide window
func (e *Engine) Window() camera.Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window
}

// SetExposureLength sets the exposure length, and whether it may be changed
// by guide object selection and auto-scaling
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

// SetObjectDetect turns object detection on or off.  Without detection no
// guide packets are sent.
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

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Guiding:      e.guiding,
		Session:      e.session,
		ID:           e.id,
		Frame:        e.frame,
		ExposureMs:   e.exposureMs,
		Locked:       e.locked,
		Window:       e.window,
		LastBuffer:   e.last,
		CadenceMs:    float64(e.cadence) / float64(time.Millisecond),
		Objects:      e.nobjects,
		DarkSubtract: e.darkSubtract,
		FlatField:    e.flatField,
		ObjectDetect: e.detect,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// SetGuideObject centres the default guide window on o and remembers its
// position as the guide target.  Unless the exposure length is locked, it
// is scaled from fieldExposureMs by the ratio of the target counts to the
// object's counts, clamped and rounded to the nearest dark.
func (e *Engine) SetGuideObject(o object.Object, fieldExposureMs int) error {
	if e.IsGuiding() {
		return ErrAlreadyGuiding
	}
	if e.field != nil && e.field.IsFielding() {
		return ErrFielding
	}
	s, err := loadSettings(e.cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ff := e.flatField
	e.mu.Unlock()
	ncols, nrows := extent(s.dims, ff)
	w := centre(o.CCDX, o.CCDY, s.defaultWidth, s.defaultHeight, ncols, nrows, s.resize)
	if err = w.Valid(); err != nil {
		return fmt.Errorf("%w: %v", ErrWindow, err)
	}

	e.mu.Lock()
	e.window = w
	e.targetX, e.targetY, e.hasTarget = o.CCDX, o.CCDY, true
	locked := e.locked
	e.mu.Unlock()
	log.Printf("guide: object %d at (%.2f,%.2f), window %v", o.Index, o.CCDX, o.CCDY, w)
	if locked {
		return nil
	}

	counts := s.scale.measure(o)
	if counts <= 0 {
		return fmt.Errorf("%w: object has %s counts %.2f", ErrExposureLength, s.scale.metric, counts)
	}
	ms := int(math.Round(float64(fieldExposureMs) * s.scale.target / counts))
	ms = mathx.Clamp(ms, s.minMs, s.maxMs)
	ms, idx, err := e.dark.Nearest(ms)
	if err != nil {
		return err
	}
	log.Printf("guide: exposure length %d ms (dark %d) from field %d ms, %s counts %.1f",
		ms, idx, fieldExposureMs, s.scale.metric, counts)
	return e.SetExposureLength(ms, false)
}

// ClearTarget forgets the guide target; multiple objects are then resolved
// to the brightest
func (e *Engine) ClearTarget() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasTarget = false
}

// On starts the guide loop.  loopState is reported to the SDB once the
// loop is set up.  ctx bounds the setup only; use Off to stop the loop.
func (e *Engine) On(ctx context.Context, loopState cil.State) error {
	e.mu.Lock()
	if e.guiding {
		e.mu.Unlock()
		return ErrAlreadyGuiding
	}
	if e.field != nil && e.field.IsFielding() {
		e.mu.Unlock()
		return ErrFielding
	}
	// claim the engine while setting up so a second On fails its entry check
	e.guiding = true
	e.done = nil
	e.err = nil
	e.mu.Unlock()

	r, err := e.setup(ctx)
	if err != nil {
		e.mu.Lock()
		e.guiding = false
		e.err = err
		e.mu.Unlock()
		e.report(ctx, cil.StateIdle)
		return err
	}
	e.report(ctx, cil.StateWorking)
	e.report(ctx, loopState)

	// cleared before done is published so an Off in between is not lost
	e.quit.Store(false)
	done := make(chan struct{})
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	go e.loop(context.WithoutCancel(ctx), r, done)
	return nil
}

// Off stops the guide loop and waits for it to finish, or for ctx
func (e *Engine) Off(ctx context.Context) error {
	e.mu.Lock()
	if !e.guiding || e.done == nil {
		e.mu.Unlock()
		return ErrNotGuiding
	}
	done := e.done
	e.mu.Unlock()
	e.quit.Store(true)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the running loop ends and returns its error
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return ErrNotGuiding
	}
	select {
	case <-done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setup re-reads the configuration and prepares the exposure length, dark
// and flat for a new loop
func (e *Engine) setup(ctx context.Context) (*run, error) {
	s, err := loadSettings(e.cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	ms := e.exposureMs
	w := e.window
	ds, ff := e.darkSubtract, e.flatField
	e.mu.Unlock()

	if ms < 0 {
		if ms, err = e.cfg.Int("ccd.exposure.guide.default"); err != nil {
			return nil, err
		}
	}
	ms, _, err = e.dark.Nearest(ms)
	if err != nil {
		return nil, err
	}
	if w == (camera.Window{}) {
		ncols, nrows := extent(s.dims, ff)
		w = centre(float64(s.dims.BinnedNCols())/2, float64(s.dims.BinnedNRows())/2,
			s.defaultWidth, s.defaultHeight, ncols, nrows, s.resize)
	}
	if err = w.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWindow, err)
	}
	if ds {
		if err = e.dark.Set(s.dims.BinnedNCols(), s.dims.BinnedNRows(), s.dims.XBin, s.dims.YBin, ms); err != nil {
			return nil, err
		}
	}
	if ff {
		if err = e.flat.Set(s.dims.BinnedNCols(), s.dims.BinnedNRows(), s.dims.XBin, s.dims.YBin); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	e.mu.Lock()
	e.exposureMs = ms
	e.window = w
	e.id = sessionID(now)
	e.session = uuid.New().String()
	e.frame = 0
	e.inUse = -1
	e.nobjects = 0
	e.cadence = 0
	e.mu.Unlock()
	log.Printf("guide: session %s id %d, %d ms, window %v", e.session, e.id, ms, w)
	return &run{settings: s}, nil
}

// sessionID builds an id from the UTC date and time fields
func sessionID(t time.Time) int {
	return (t.Year()-1900)*1000000000 + (t.YearDay()-1)*1000000 + t.Hour()*10000 + t.Minute()*100 + t.Second()
}

// report sets and flushes the AG state, best effort
func (e *Engine) report(ctx context.Context, s cil.State) {
	if err := e.emit.SetState(s); err != nil {
		log.Printf("guide: setting state %s: %v", s, err)
		return
	}
	if err := e.emit.Flush(ctx); err != nil {
		log.Printf("guide: flushing state %s: %v", s, err)
	}
}

// run is the state owned by one execution of the loop goroutine
type run struct {
	settings

	programmed bool
	window     camera.Window
	stall      int
	prevStart  time.Time
	temp       float64
	lastX      float64
	lastY      float64
}

func (e *Engine) loop(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)
	var err error
	for !e.quit.Load() {
		if err = e.iterate(ctx, r); err != nil {
			break
		}
	}
	e.finish(ctx, r, err)
}

// finish sends the terminating packet and marks the engine idle
func (e *Engine) finish(ctx context.Context, r *run, err error) {
	p := cil.GuidePacket{X: r.lastX, Y: r.lastY, Terminating: true, Status: cil.StatusOK}
	if err != nil {
		log.Printf("guide: loop terminated: %v", err)
		p.Unreliable = true
		p.Status = cil.StatusFailed
	} else {
		log.Println("guide: loop stopped")
	}
	if serr := e.emit.SendGuidePacket(ctx, p); serr != nil {
		log.Printf("guide: sending terminating packet: %v", serr)
	}
	if err != nil {
		e.report(ctx, cil.StateIdle)
	}
	e.mu.Lock()
	e.guiding = false
	e.inUse = -1
	e.err = err
	e.mu.Unlock()
}

// snapshot is the user settable state read at the top of each iteration
type snapshot struct {
	window       camera.Window
	exposureMs   int
	locked       bool
	darkSubtract bool
	flatField    bool
	detect       bool
	targetX      float64
	targetY      float64
	hasTarget    bool
	id           int
	frame        int
	last         int
	session      string
}

func (e *Engine) snapshot() snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{
		window:       e.window,
		exposureMs:   e.exposureMs,
		locked:       e.locked,
		darkSubtract: e.darkSubtract,
		flatField:    e.flatField,
		detect:       e.detect,
		targetX:      e.targetX,
		targetY:      e.targetY,
		hasTarget:    e.hasTarget,
		id:           e.id,
		frame:        e.frame,
		last:         e.last,
		session:      e.session,
	}
}

func (e *Engine) iterate(ctx context.Context, r *run) error {
	start := time.Now()
	snap := e.snapshot()
	w, err := e.configure(r, snap.window)
	if err != nil {
		return err
	}
	d := r.dims
	if snap.darkSubtract {
		if err = e.dark.Set(d.BinnedNCols(), d.BinnedNRows(), d.XBin, d.YBin, snap.exposureMs); err != nil {
			return err
		}
	}
	if snap.flatField {
		if err = e.flat.Set(d.BinnedNCols(), d.BinnedNRows(), d.XBin, d.YBin); err != nil {
			return err
		}
	}

	inUse := 1 - snap.last
	e.mu.Lock()
	e.inUse = inUse
	e.mu.Unlock()
	if err = e.expose(ctx, r, inUse, snap.exposureMs); err != nil {
		return err
	}
	objs, err := e.reduce(inUse, w, snap)
	if err != nil {
		return err
	}

	if snap.detect && !snap.locked && r.scale.autoscale {
		if err = e.autoscale(r, objs, snap.exposureMs); err != nil {
			return err
		}
	}

	cadence := time.Duration(snap.exposureMs) * time.Millisecond
	if !r.prevStart.IsZero() {
		cadence = start.Sub(r.prevStart)
	}
	r.prevStart = start

	f := Frame{
		Session:    snap.session,
		ID:         snap.id,
		Number:     snap.frame,
		Buffer:     inUse,
		Start:      start,
		ExposureMs: snap.exposureMs,
		Cadence:    cadence,
		Window:     w,
		Objects:    len(objs),
	}
	if snap.detect {
		e.sendPacket(ctx, r, &f, objs, snap)
	}
	e.sendStatus(ctx, r, f)

	if snap.detect && r.tracking && len(objs) == 1 {
		ncols, nrows := extent(d, snap.flatField)
		if nw, moved := track(w, objs[0].CCDX, objs[0].CCDY, r.edge, r.defaultWidth, r.defaultHeight,
			ncols, nrows, r.resize); moved {
			log.Printf("guide: star at (%.2f,%.2f) near the edge of %v, moving window to %v",
				objs[0].CCDX, objs[0].CCDY, w, nw)
			e.mu.Lock()
			e.window = nw
			e.mu.Unlock()
			if _, err = e.configure(r, nw); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	e.last = inUse
	e.inUse = -1
	e.frame++
	e.cadence = cadence
	e.nobjects = len(objs)
	e.mu.Unlock()

	if e.Observer != nil {
		e.Observer.ObserveGuide(f)
	}
	if e.Recorder != nil {
		e.record(f, w)
	}
	return nil
}

// configure programs the camera and sizes the guide buffer for w, when w
// differs from what is programmed.  The window returned by the camera's
// check is authoritative.
func (e *Engine) configure(r *run, w camera.Window) (camera.Window, error) {
	if r.programmed && w == r.window {
		return w, nil
	}
	d := r.dims
	d.Windowed = true
	d.Window = w
	d, err := e.cam.CheckDimensions(d)
	if err != nil {
		return w, fmt.Errorf("%w: %v", ErrProgram, err)
	}
	if err = e.cam.ProgramDimensions(d); err != nil {
		return w, fmt.Errorf("%w: %v", ErrProgram, err)
	}
	w = d.Window
	if err = e.buf.Resize(buffer.Guide, w.Width()*d.XBin, w.Height()*d.YBin, d.XBin, d.YBin); err != nil {
		return w, err
	}
	r.programmed, r.window = true, w
	e.mu.Lock()
	e.window = w
	e.mu.Unlock()
	return w, nil
}

func (e *Engine) expose(ctx context.Context, r *run, idx, ms int) error {
	raw, err := e.buf.LockRaw(buffer.Guide, idx)
	if err != nil {
		return err
	}
	defer e.buf.UnlockRaw(buffer.Guide, idx)
	if err = e.cam.Expose(ctx, true, time.Time{}, ms, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrExpose, err)
	}
	md := buffer.Metadata{LengthMs: ms, Temperature: r.temp}
	if md.Start, err = e.cam.ExposureStartTime(); err != nil {
		log.Printf("guide: exposure start time: %v", err)
		md.Start = time.Now()
	}
	if t, _, err := e.cam.Temperature(); err != nil {
		log.Printf("guide: temperature: %v, using %.2f", err, r.temp)
	} else {
		r.temp = t
		md.Temperature = t
	}
	return e.buf.SetMetadata(buffer.Guide, idx, md)
}

// reduce dark subtracts, flat fields and measures the slot
func (e *Engine) reduce(idx int, w camera.Window, snap snapshot) ([]object.Object, error) {
	if err := e.buf.CopyRawToReduced(buffer.Guide, idx); err != nil {
		return nil, err
	}
	red, err := e.buf.LockReduced(buffer.Guide, idx)
	if err != nil {
		return nil, err
	}
	defer e.buf.UnlockReduced(buffer.Guide, idx)
	if snap.darkSubtract {
		if err = e.dark.Subtract(red, w.Width(), w.Height(), &w); err != nil {
			return nil, err
		}
	}
	if snap.flatField {
		if err = e.flat.Apply(red, w.Width(), w.Height(), &w); err != nil {
			return nil, err
		}
	}
	if !snap.detect {
		return nil, nil
	}
	if err = e.objects.Detect(red, w.Width(), w.Height(), w.XStart, w.YStart, false, snap.id, snap.frame); err != nil {
		return nil, err
	}
	return e.objects.List(), nil
}

// autoscale counts frames with an ambiguous or out of band star and, when
// enough have been seen, picks a new exposure length
func (e *Engine) autoscale(r *run, objs []object.Object, ms int) error {
	var counts float64
	if len(objs) == 1 {
		counts = r.scale.measure(objs[0])
		if counts >= r.scale.min && counts <= r.scale.max {
			r.stall = 0
			return nil
		}
	}
	r.stall++
	if r.stall < r.scale.count {
		return nil
	}
	r.stall = 0

	next := ms
	switch len(objs) {
	case 0:
		_, idx, err := e.dark.Nearest(ms)
		if err != nil {
			return err
		}
		if idx >= e.dark.ExposureLengthCount()-1 {
			return fmt.Errorf("%w: no objects at %d ms", ErrGuideLost, ms)
		}
		if next, err = e.dark.ExposureLength(idx + 1); err != nil {
			return err
		}
	case 1:
		if counts <= 0 {
			return nil
		}
		next = int(math.Round(float64(ms) * r.scale.target / counts))
	default:
		return nil
	}
	next = mathx.Clamp(next, r.minMs, r.maxMs)
	next, _, err := e.dark.Nearest(next)
	if err != nil {
		return err
	}
	if len(objs) == 0 && next <= ms {
		return fmt.Errorf("%w: no objects at %d ms, the exposure maximum", ErrGuideLost, ms)
	}
	if next == ms {
		return nil
	}
	log.Printf("guide: rescaling exposure length %d -> %d ms (%d objects, %s counts %.1f)",
		ms, next, len(objs), r.scale.metric, counts)
	d := r.dims
	e.mu.Lock()
	ds := e.darkSubtract
	e.exposureMs = next
	e.mu.Unlock()
	if ds {
		return e.dark.Set(d.BinnedNCols(), d.BinnedNRows(), d.XBin, d.YBin, next)
	}
	return nil
}

// sendPacket builds and sends the guide packet for a frame
func (e *Engine) sendPacket(ctx context.Context, r *run, f *Frame, objs []object.Object, snap snapshot) {
	p := cil.GuidePacket{Timecode: timecode(f.Cadence, r.timecodeScale), Status: cil.StatusOK}
	if len(objs) == 0 {
		p.Unreliable = true
	} else {
		star := objs[0]
		if snap.hasTarget {
			best := math.Inf(1)
			for _, o := range objs {
				dx, dy := o.CCDX-snap.targetX, o.CCDY-snap.targetY
				if d := dx*dx + dy*dy; d < best {
					star, best = o, d
				}
			}
		}
		f.Star = star
		p.X, p.Y = star.CCDX, star.CCDY
		r.lastX, r.lastY = p.X, p.Y
		bits := byte(0)
		if star.Ellipticity() > r.ellipticity {
			bits |= 1
		}
		if star.PeakCounts < r.minPeak || star.PeakCounts > r.maxPeak {
			bits |= 2
		}
		f.Reliability = '0' + bits
		// the TCS treats any status other than '0' as loss of lock, so the
		// computed character is reported but never sent
		p.Status = cil.StatusOK
	}
	if err := e.emit.SendGuidePacket(ctx, p); err != nil {
		log.Printf("guide: sending packet: %v", err)
		return
	}
	f.Packet, f.Sent = p, true
}

// sendStatus updates and flushes the SDB datums for a frame, best effort
func (e *Engine) sendStatus(ctx context.Context, r *run, f Frame) {
	ms := f.ExposureMs
	if r.useCadence {
		ms = int(f.Cadence / time.Millisecond)
	}
	if err := e.emit.SetExposureTime(ms); err != nil {
		log.Printf("guide: exposure time datum: %v", err)
	}
	if f.Objects > 0 {
		mag := Magnitude(r.magConst, f.Star.TotalCounts, f.ExposureMs)
		if err := e.emit.SetCentroid(f.Star.CCDX, f.Star.CCDY, f.Star.FWHM(), mag); err != nil {
			log.Printf("guide: centroid datums: %v", err)
		}
	}
	if err := e.emit.SetWindow(f.Window); err != nil {
		log.Printf("guide: window datums: %v", err)
	}
	if err := e.emit.Flush(ctx); err != nil {
		log.Printf("guide: flushing status: %v", err)
	}
}

func (e *Engine) record(f Frame, w camera.Window) {
	img := make([]float32, w.PixelCount())
	if err := e.buf.ReducedCopy(buffer.Guide, f.Buffer, img); err != nil {
		log.Printf("guide: copying frame %d for recording: %v", f.Number, err)
		return
	}
	if err := e.Recorder.RecordGuide(f, img, w.Width(), w.Height()); err != nil {
		log.Printf("guide: recording frame %d: %v", f.Number, err)
	}
}

// Magnitude estimates the magnitude of a star from its integrated counts.
// DefaultMagnitude is returned when counts or the exposure length are not
// positive.
func Magnitude(zeroPoint, counts float64, exposureMs int) float64 {
	secs := float64(exposureMs) / 1e3
	if counts <= 0 || secs <= 0 {
		return DefaultMagnitude
	}
	return zeroPoint - 2.5*math.Log10(counts/secs)
}

// timecode is the time the TCS should wait for the next packet
func timecode(cadence time.Duration, scale float64) float64 {
	tc := cadence.Seconds() * scale
	if tc < cil.MinTimecode {
		return cil.MinTimecode
	}
	if tc > cil.MaxTimecode {
		return cil.MaxTimecode
	}
	return tc
}

// track returns a window of width x height centred on (x, y) if the star is
// closer than margin to any edge of w
func track(w camera.Window, x, y float64, margin, width, height, ncols, nrows int, resize bool) (camera.Window, bool) {
	m := float64(margin)
	if x-float64(w.XStart) >= m && float64(w.XEnd)-x >= m &&
		y-float64(w.YStart) >= m && float64(w.YEnd)-y >= m {
		return w, false
	}
	nw := centre(x, y, width, height, ncols, nrows, resize)
	return nw, nw != w
}

// extent is the binned frame a guide window may cover.  A flat fielded
// window must stop short of the flat's last row and column.
func extent(d camera.Dimensions, flat bool) (int, int) {
	if flat {
		return d.BinnedNCols() - 1, d.BinnedNRows() - 1
	}
	return d.BinnedNCols(), d.BinnedNRows()
}

// centre returns a window of width x height centred on (x, y) inside an
// ncols x nrows frame.  At an edge the window is shifted to fit, or
// trimmed if resize is true.
func centre(x, y float64, width, height, ncols, nrows int, resize bool) camera.Window {
	xs, xe := span(int(math.Round(x)), width, ncols, resize)
	ys, ye := span(int(math.Round(y)), height, nrows, resize)
	return camera.Window{XStart: xs, YStart: ys, XEnd: xe, YEnd: ye}
}

func span(c, size, n int, resize bool) (int, int) {
	start := c - size/2
	end := start + size - 1
	if resize {
		if start < 0 {
			start = 0
		}
		if end > n-1 {
			end = n - 1
		}
		return start, end
	}
	if start < 0 {
		start, end = 0, size-1
	}
	if end > n-1 {
		end = n - 1
		start = end - size + 1
		if start < 0 {
			start = 0
		}
	}
	return start, end
}

