/*Package autoguider owns the buffers, calibration, detection cache, field
and guide engines and the protocol emitter of one autoguider, and
implements the composite "autoguide on" and "autoguide off" operations.

	ag, err := autoguider.New(cfg, cam, &object.Segmenter{}, calib.FITSLoader{})
	if err != nil {
		return err
	}
	if err = ag.Initialise(ctx); err != nil {
		return err
	}
	defer ag.Close()
	err = ag.AutoguideOn(ctx, autoguider.Request{Mode: autoguider.Brightest})
*/
package autoguider

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.jpl.nasa.gov/bdube/autoguider/buffer"
	"github.jpl.nasa.gov/bdube/autoguider/calib"
	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/cil"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/field"
	"github.jpl.nasa.gov/bdube/autoguider/guide"
	"github.jpl.nasa.gov/bdube/autoguider/object"
)

// Error is an orchestration error code
type Error uint

const (
	// ErrMode is generated for an unknown guide object selection mode
	ErrMode Error = 801

	// ErrSelect is generated when no guide object could be selected from the field
	ErrSelect Error = 802
)

// ErrCodes maps errors to their descriptions
var ErrCodes = map[Error]string{
	ErrMode:   "unknown autoguide on mode",
	ErrSelect: "no guide object in field",
}

// Error satisfies the error interface
func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", uint(e), s)
	}
	return fmt.Sprintf("%d - unknown autoguider error", uint(e))
}

// Mode selects how the guide object is picked from the field
type Mode int

const (
	// Brightest picks the object with the most counts inside the field bounds
	Brightest Mode = iota

	// Pixel picks the object nearest a CCD position
	Pixel

	// Rank picks the n'th brightest object inside the field bounds
	Rank
)

var modeNames = [...]string{"brightest", "pixel", "rank"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts brightest, pixel or rank into a Mode
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(s, n) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrMode, s)
}

// state is the AG state reported while guiding in mode m
func (m Mode) state() cil.State {
	switch m {
	case Pixel:
		return cil.StateOnPixel
	case Rank:
		return cil.StateOnRank
	default:
		return cil.StateOnBrightest
	}
}

// Request is an autoguide on request
type Request struct {
	Mode Mode `json:"mode"`

	// X and Y are the CCD position for Pixel, binned field pixels
	X float64 `json:"x"`
	Y float64 `json:"y"`

	// Rank is the 1-based brightness rank for Rank
	Rank int `json:"rank"`
}

// Status aggregates the engines and the last emitted data
type Status struct {
	State       string          `json:"state"`
	Field       field.Status    `json:"field"`
	Guide       guide.Status    `json:"guide"`
	Objects     int             `json:"objects"`
	Stats       object.Stats    `json:"stats"`
	GuidePacket string          `json:"guidePacket,omitempty"`
	Packet      cil.GuidePacket `json:"packet"`
}

// Autoguider is the top level object
type Autoguider struct {
	Config  *config.Config
	Camera  camera.Driver
	Buffers *buffer.Manager
	Dark    *calib.Dark
	Flat    *calib.Flat
	Objects *object.Cache
	Emitter *cil.Emitter
	Field   *field.Engine
	Guide   *guide.Engine
}

// New builds every component.  Nothing touches the camera or the network
// until Initialise.
func New(cfg *config.Config, cam camera.Driver, det object.Detector, loader calib.Loader) (*Autoguider, error) {
	em, err := cil.NewEmitter(cfg)
	if err != nil {
		return nil, err
	}
	a := &Autoguider{
		Config:  cfg,
		Camera:  cam,
		Buffers: buffer.New(),
		Dark:    calib.NewDark(cfg, loader),
		Flat:    calib.NewFlat(cfg, loader),
		Emitter: em,
	}
	a.Objects = object.NewCache(cfg, det)
	a.Field = field.New(cfg, cam, a.Buffers, a.Dark, a.Flat, a.Objects, em, nil)
	a.Guide = guide.New(cfg, cam, a.Buffers, a.Dark, a.Flat, a.Objects, em, a.Field)
	a.Field.SetGuideState(a.Guide)
	return a, nil
}

// Initialise allocates buffers, reads the dark list and engine toggles,
// connects the emitter and reports IDLE
func (a *Autoguider) Initialise(ctx context.Context) error {
	a.report(ctx, cil.StateInitialising)
	if err := a.Buffers.Initialise(a.Config); err != nil {
		return err
	}
	if err := a.Dark.Initialise(); err != nil {
		return err
	}
	if err := a.Field.Initialise(); err != nil {
		return err
	}
	if err := a.Guide.Initialise(); err != nil {
		return err
	}
	if err := a.Emitter.Open(ctx); err != nil {
		return err
	}
	a.report(ctx, cil.StateIdle)
	return nil
}

// Close stops guiding, if running, and disconnects the emitter
func (a *Autoguider) Close() error {
	if a.Guide.IsGuiding() {
		if err := a.Guide.Off(context.Background()); err != nil {
			log.Printf("autoguider: stopping guide loop: %v", err)
		}
	}
	return a.Emitter.Close()
}

func (a *Autoguider) report(ctx context.Context, s cil.State) {
	if err := a.Emitter.SetState(s); err != nil {
		log.Printf("autoguider: setting state %s: %v", s, err)
		return
	}
	if err := a.Emitter.Flush(ctx); err != nil {
		log.Printf("autoguider: flushing state %s: %v", s, err)
	}
}

// AutoguideOn fields, selects a guide object as req asks and starts the
// guide loop on it.  It returns once the loop is running.
func (a *Autoguider) AutoguideOn(ctx context.Context, req Request) (err error) {
	if a.Guide.IsGuiding() {
		return guide.ErrAlreadyGuiding
	}
	if req.Mode < Brightest || req.Mode > Rank {
		return fmt.Errorf("%w: %d", ErrMode, int(req.Mode))
	}
	log.Printf("autoguider: autoguide on %s", req.Mode)
	if err = a.Field.Field(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			log.Printf("autoguider: autoguide on: %v", err)
			a.report(ctx, cil.StateIdle)
		}
	}()

	o, err := a.selectObject(req)
	if err != nil {
		return err
	}
	a.Guide.ClearTarget()
	if err = a.Guide.SetGuideObject(o, a.Field.ExposureLength()); err != nil {
		return err
	}
	return a.Guide.On(ctx, req.Mode.state())
}

func (a *Autoguider) selectObject(req Request) (object.Object, error) {
	bounds, err := field.LoadBounds(a.Config)
	if err != nil {
		return object.Object{}, err
	}
	var o object.Object
	switch req.Mode {
	case Pixel:
		o, err = a.Objects.NearestToCCD(req.X, req.Y)
	case Rank:
		o, err = a.Objects.Rank(req.Rank, &bounds)
	default:
		o, err = a.Objects.Brightest(&bounds)
	}
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrSelect, err)
	}
	return o, nil
}

// AutoguideOff stops the guide loop and reports IDLE
func (a *Autoguider) AutoguideOff(ctx context.Context) error {
	if err := a.Guide.Off(ctx); err != nil {
		return err
	}
	a.report(ctx, cil.StateIdle)
	return nil
}

// Status returns a snapshot of the whole autoguider
func (a *Autoguider) Status() Status {
	s := Status{
		Field:   a.Field.Status(),
		Guide:   a.Guide.Status(),
		Objects: a.Objects.Count(),
		Stats:   a.Objects.Stats(),
	}
	if v, ok := a.Emitter.SDB().Value(cil.DatumAGState); ok {
		s.State = cil.State(v).String()
	}
	if p, ok := a.Emitter.LastGuidePacket(); ok {
		s.Packet = p
		if b, err := p.Encode(); err == nil {
			s.GuidePacket = strings.TrimRight(string(b), "\r")
		}
	}
	return s
}
