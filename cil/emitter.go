package cil

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/comm"
	"github.jpl.nasa.gov/bdube/autoguider/config"
	"github.jpl.nasa.gov/bdube/autoguider/mathx"
)

// Emitter sends guide packets to the TCS and datum submissions to the SDB.
// Either direction can be disabled, in which case calls succeed without
// sending anything.  It is safe for concurrent use.
type Emitter struct {
	mu        sync.Mutex
	sdb       *SDB
	tcs       *comm.Datagram
	mcc       *comm.Datagram
	sendGuide bool
	sendSDB   bool
	limiter   *rate.Limiter
	trailing  *time.Timer

	last     GuidePacket
	lastSent bool
	now      func() time.Time
}

// NewEmitter builds an emitter from the cil.* keys.  Endpoints are only
// required for enabled directions.
func NewEmitter(cfg *config.Config) (*Emitter, error) {
	e := &Emitter{sdb: NewSDB(), now: time.Now}
	var err error
	if e.sendGuide, err = cfg.Bool("cil.tcs.guide_packet.send"); err != nil {
		return nil, err
	}
	if e.sendSDB, err = cfg.Bool("cil.sdb.packet.send"); err != nil {
		return nil, err
	}
	if e.sendGuide {
		addr, err := endpoint(cfg, "cil.tcs.hostname", "cil.tcs.guide_packet.port_number")
		if err != nil {
			return nil, err
		}
		e.tcs = comm.NewDatagram(addr)
	}
	if e.sendSDB {
		addr, err := endpoint(cfg, "cil.mcc.hostname", "cil.sdb.port_number")
		if err != nil {
			return nil, err
		}
		e.mcc = comm.NewDatagram(addr)
		perSec, err := cfg.Float("cil.sdb.rate")
		if err != nil {
			return nil, err
		}
		// burst of 1: at most one submission per 1/perSec
		e.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	return e, nil
}

func endpoint(cfg *config.Config, hostKey, portKey string) (string, error) {
	host, err := cfg.String(hostKey)
	if err != nil {
		return "", err
	}
	port, err := cfg.Int(portKey)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Open connects the enabled directions
func (e *Emitter) Open(ctx context.Context) error {
	if e.tcs != nil {
		if err := e.tcs.Open(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrGuidePacketOpen, err)
		}
	}
	if e.mcc != nil {
		if err := e.mcc.Open(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrSDBOpen, err)
		}
	}
	return nil
}

// Close disconnects both directions
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.trailing != nil {
		e.trailing.Stop()
		e.trailing = nil
	}
	e.mu.Unlock()
	var err error
	if e.tcs != nil {
		if cerr := e.tcs.Close(); cerr != nil {
			err = fmt.Errorf("%w: %v", ErrGuidePacketClose, cerr)
		}
	}
	if e.mcc != nil {
		if cerr := e.mcc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// GuidePacketSend reports whether guide packets are sent
func (e *Emitter) GuidePacketSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendGuide && e.tcs != nil
}

// SDBSend reports whether SDB submissions are sent
func (e *Emitter) SDBSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendSDB && e.mcc != nil
}

// SetGuidePacketSend turns guide packet sending on or off.  It can only be
// turned on if an endpoint was configured.
func (e *Emitter) SetGuidePacketSend(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on && e.tcs == nil {
		return fmt.Errorf("%w: no TCS endpoint configured", ErrGuidePacketOpen)
	}
	e.sendGuide = on
	return nil
}

// SetSDBSend turns SDB submission on or off.  It can only be turned on if
// an endpoint was configured.
func (e *Emitter) SetSDBSend(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on && e.mcc == nil {
		return fmt.Errorf("%w: no SDB endpoint configured", ErrSDBOpen)
	}
	e.sendSDB = on
	return nil
}

// LastGuidePacket returns the most recent packet passed to SendGuidePacket
func (e *Emitter) LastGuidePacket() (GuidePacket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.lastSent
}

// SDB returns the datum table
func (e *Emitter) SDB() *SDB {
	return e.sdb
}

// SendGuidePacket encodes p and sends it to the TCS
func (e *Emitter) SendGuidePacket(ctx context.Context, p GuidePacket) error {
	b, err := p.Encode()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.last, e.lastSent = p, true
	send := e.sendGuide && e.tcs != nil
	e.mu.Unlock()
	if !send {
		return nil
	}
	if !e.tcs.IsOpen() {
		if err = e.tcs.Open(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrGuidePacketOpen, err)
		}
	}
	if err = e.tcs.Send(b); err != nil {
		return fmt.Errorf("%w: %v", ErrGuidePacketSend, err)
	}
	return nil
}

// SetState sets the AG state datum
func (e *Emitter) SetState(s State) error {
	if s < 0 || s >= stateCount {
		return fmt.Errorf("%w: %d", ErrState, int32(s))
	}
	return e.sdb.Set(DatumAGState, int32(s), e.now())
}

// SetExposureTime sets the integration time datum, in milliseconds
func (e *Emitter) SetExposureTime(ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: %d", ErrExposureTime, ms)
	}
	return e.sdb.Set(DatumIntTime, int32(ms), e.now())
}

// SetCentroid sets the centroid, FWHM (pixels) and magnitude datums
func (e *Emitter) SetCentroid(x, y, fwhm, mag float64) error {
	now := e.now()
	for _, v := range []struct {
		id DatumID
		f  float64
	}{{DatumCentroidX, x}, {DatumCentroidY, y}, {DatumFWHM, fwhm}, {DatumGuideMag, mag}} {
		if err := e.sdb.Set(v.id, mathx.Milli(v.f), now); err != nil {
			return err
		}
	}
	return nil
}

// SetWindow sets the guide window corner datums, in milli-pixels
func (e *Emitter) SetWindow(w camera.Window) error {
	if err := w.Valid(); err != nil {
		return fmt.Errorf("%w: %v", ErrWindow, err)
	}
	now := e.now()
	for _, v := range []struct {
		id DatumID
		p  int
	}{{DatumWindowTLX, w.XStart}, {DatumWindowTLY, w.YStart}, {DatumWindowBRX, w.XEnd}, {DatumWindowBRY, w.YEnd}} {
		if err := e.sdb.Set(v.id, mathx.Milli(float64(v.p)), now); err != nil {
			return err
		}
	}
	return nil
}

// SetTemperature sets the CCD temperature datum, in milli-Celsius
func (e *Emitter) SetTemperature(c float64) error {
	return e.sdb.Set(DatumAGTemp, mathx.Milli(c), e.now())
}

// SetFrameStats sets the peak pixel, frame mean and frame rms datums
func (e *Emitter) SetFrameStats(peak, mean, rms float64) error {
	now := e.now()
	if err := e.sdb.Set(DatumPeakPixel, int32(peak), now); err != nil {
		return err
	}
	if err := e.sdb.Set(DatumAGFrameMean, int32(mean), now); err != nil {
		return err
	}
	return e.sdb.Set(DatumAGFrameRMS, int32(rms), now)
}

// Flush submits changed datums to the SDB.  Submissions are rate limited,
// except that a change of AG state is always sent at once.  A flush inside
// the limit keeps its datums and schedules a trailing submission for when
// the limit next allows one.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	send := e.sendSDB && e.mcc != nil
	e.mu.Unlock()
	if !send {
		return nil
	}
	// a state change still takes a token when one is free
	if !e.limiter.Allow() && !e.sdb.Changed(DatumAGState) {
		e.scheduleTrailing()
		return nil
	}
	return e.submit(ctx)
}

// trailingTimeout bounds a trailing submission, which has no caller context
const trailingTimeout = 5 * time.Second

func (e *Emitter) scheduleTrailing() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trailing != nil {
		return
	}
	e.trailing = time.AfterFunc(e.limiter.Reserve().Delay(), func() {
		e.mu.Lock()
		e.trailing = nil
		send := e.sendSDB && e.mcc != nil
		e.mu.Unlock()
		if !send {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), trailingTimeout)
		defer cancel()
		if err := e.submit(ctx); err != nil {
			log.Printf("sdb: trailing submission: %v", err)
		}
	})
}

func (e *Emitter) submit(ctx context.Context) error {
	pkt := e.sdb.Packet(e.now())
	if pkt == nil {
		return nil
	}
	if !e.mcc.IsOpen() {
		if err := e.mcc.Open(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrSDBOpen, err)
		}
	}
	if err := e.mcc.Send(pkt); err != nil {
		log.Printf("sdb: submission of %d bytes failed: %v", len(pkt), err)
		return fmt.Errorf("%w: %v", ErrSDBSend, err)
	}
	return nil
}
