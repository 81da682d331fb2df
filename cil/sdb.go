package cil

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// State is the autoguider state reported to the SDB
type State int32

// AG states
const (
	StateOff State = iota
	StateOnBrightest
	StateOnRange
	StateOnRank
	StateOnPixel
	StateIdle
	StateWorking
	StateInitialising
	StateFailed
	StateInteractiveWorking
	StateInteractiveOn
	StateError
	StateNonRecoverableError
	stateCount
)

var stateNames = [...]string{
	"OFF", "ON_BRIGHTEST", "ON_RANGE", "ON_RANK", "ON_PIXEL", "IDLE", "WORKING",
	"INITIALISING", "FAILED", "INTERACTIVE_WORKING", "INTERACTIVE_ON", "ERROR",
	"NON_RECOVERABLE_ERROR",
}

func (s State) String() string {
	if s < 0 || s >= stateCount {
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
	return stateNames[s]
}

// DatumID identifies an SDB datum owned by the autoguider
type DatumID int32

// Datums, in table order
const (
	datumBOL DatumID = iota
	DatumProcState
	DatumAuthState
	DatumSysRequest
	DatumAppVersion
	DatumAGState
	DatumWindowTLX
	DatumWindowTLY
	DatumWindowBRX
	DatumWindowBRY
	DatumIntTime
	DatumFrameSkip
	DatumGuideMag
	DatumCentroidX
	DatumCentroidY
	DatumFWHM
	DatumPeakPixel
	DatumAGTemp
	DatumAGCaseTemp
	DatumAGPercentPower
	DatumAGFrameMean
	DatumAGFrameRMS
	datumEOL
)

// Units is the SDB unit of a datum
type Units int32

// SDB units used by the autoguider's datums
const (
	UnitsInvalid      Units = 0
	UnitsUnsupported  Units = 1
	UnitsNone         Units = 2
	UnitsMilliCelsius Units = 6
	UnitsMilliSecond  Units = 16
	UnitsProcState    Units = 23
	UnitsMilliPercent Units = 27
	UnitsAuthState    Units = 38
	UnitsSysRequest   Units = 43
	UnitsMilliVersion Units = 52
	UnitsMilliPixel   Units = 70
	UnitsMilliStarMag Units = 71
)

var datumNames = [datumEOL]string{
	"BOL", "PROC_STATE", "AUTH_STATE", "SYS_REQUEST", "APP_VERSION", "AGSTATE",
	"WINDOW_TLX", "WINDOW_TLY", "WINDOW_BRX", "WINDOW_BRY", "INTTIME", "FRAMESKIP",
	"GUIDEMAG", "CENTROIDX", "CENTROIDY", "FWHM", "PEAKPIXEL", "AGTEMP",
	"AGCASETEMP", "AGPERCPOW", "AGFRAMEMEAN", "AGFRAMERMS",
}

func (d DatumID) String() string {
	if d < 0 || d >= datumEOL {
		return fmt.Sprintf("DATUM(%d)", int32(d))
	}
	return datumNames[d]
}

var datumUnits = [datumEOL]Units{
	datumBOL:            UnitsInvalid,
	DatumProcState:      UnitsProcState,
	DatumAuthState:      UnitsAuthState,
	DatumSysRequest:     UnitsSysRequest,
	DatumAppVersion:     UnitsMilliVersion,
	DatumAGState:        UnitsNone,
	DatumWindowTLX:      UnitsMilliPixel,
	DatumWindowTLY:      UnitsMilliPixel,
	DatumWindowBRX:      UnitsMilliPixel,
	DatumWindowBRY:      UnitsMilliPixel,
	DatumIntTime:        UnitsMilliSecond,
	DatumFrameSkip:      UnitsNone,
	DatumGuideMag:       UnitsMilliStarMag,
	DatumCentroidX:      UnitsMilliPixel,
	DatumCentroidY:      UnitsMilliPixel,
	DatumFWHM:           UnitsMilliPixel,
	DatumPeakPixel:      UnitsNone,
	DatumAGTemp:         UnitsMilliCelsius,
	DatumAGCaseTemp:     UnitsMilliCelsius,
	DatumAGPercentPower: UnitsMilliPercent,
	DatumAGFrameMean:    UnitsNone,
	DatumAGFrameRMS:     UnitsNone,
}

// measurements are resubmitted every cycle even when unchanged, so the SDB
// timestamp shows the guide loop is alive
func alwaysSubmit(id DatumID) bool {
	switch id {
	case DatumGuideMag, DatumCentroidX, DatumCentroidY, DatumFWHM, DatumIntTime:
		return true
	}
	return false
}

// Datum is one SDB measurement
type Datum struct {
	Source Task
	ID     DatumID
	Units  Units
	Time   time.Time
	Value  int32
}

type datumState struct {
	value   int32
	set     bool
	changed bool
	time    time.Time
}

// SDB is the table of datums and the submission sequence number.  It is safe
// for concurrent use.
type SDB struct {
	mu     sync.Mutex
	table  [datumEOL]datumState
	seq    int32
	source Task
}

// NewSDB returns an empty table.  Datums are only submitted once set.
func NewSDB() *SDB {
	return &SDB{source: TaskAGS}
}

// Set records a datum value.  It is submitted by the next Packet if it
// changed, or if it is a per-frame measurement.
func (s *SDB) Set(id DatumID, value int32, now time.Time) error {
	if id <= datumBOL || id >= datumEOL {
		return fmt.Errorf("%w: %d", ErrDatum, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &s.table[id]
	if !d.set || d.value != value || alwaysSubmit(id) {
		d.changed = true
	}
	d.value, d.set, d.time = value, true, now
	return nil
}

// Value returns the last value set for a datum
func (s *SDB) Value(id DatumID) (int32, bool) {
	if id <= datumBOL || id >= datumEOL {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table[id].value, s.table[id].set
}

// Changed reports whether a datum will go with the next Packet
func (s *SDB) Changed(id DatumID) bool {
	if id <= datumBOL || id >= datumEOL {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table[id].changed
}

// Pending is the number of datums the next Packet would submit
func (s *SDB) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.table {
		if d.changed {
			n++
		}
	}
	return n
}

// Packet encodes every changed datum into a CIL SDB submission and clears
// the changed flags.  It returns nil when nothing changed.
func (s *SDB) Packet(now time.Time) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var datums []Datum
	for id := datumBOL + 1; id < datumEOL; id++ {
		d := &s.table[id]
		if !d.changed {
			continue
		}
		datums = append(datums, Datum{Source: s.source, ID: id, Units: datumUnits[id], Time: d.time, Value: d.value})
		d.changed = false
	}
	if len(datums) == 0 {
		return nil
	}
	sec, nsec := Timestamp(now)
	h := Header{
		Source:   s.source,
		Dest:     TaskSDB,
		Class:    ClassCommand,
		Service:  ServiceSDBSubmit,
		Seq:      s.seq,
		Seconds:  sec,
		Nanosecs: nsec,
	}
	s.seq++
	return EncodeSubmission(h, datums)
}

// datum: source, id, units, seconds, nanoseconds, value
const datumLength = 6 * 4

// EncodeSubmission renders a header and datums in network byte order
func EncodeSubmission(h Header, datums []Datum) []byte {
	b := make([]byte, 0, HeaderLength+4+len(datums)*datumLength)
	put := func(v int32) { b = binary.BigEndian.AppendUint32(b, uint32(v)) }
	put(int32(h.Source))
	put(int32(h.Dest))
	put(int32(h.Class))
	put(h.Service)
	put(h.Seq)
	put(h.Seconds)
	put(h.Nanosecs)
	put(int32(len(datums)))
	for _, d := range datums {
		sec, nsec := Timestamp(d.Time)
		put(int32(d.Source))
		put(int32(d.ID))
		put(int32(d.Units))
		put(sec)
		put(nsec)
		put(d.Value)
	}
	return b
}

// DecodeSubmission is the inverse of EncodeSubmission
func DecodeSubmission(b []byte) (Header, []Datum, error) {
	var h Header
	if len(b) < HeaderLength+4 {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrSDBPacket, len(b))
	}
	get := func(i int) int32 { return int32(binary.BigEndian.Uint32(b[i*4:])) }
	h = Header{Source: Task(get(0)), Dest: Task(get(1)), Class: Class(get(2)), Service: get(3),
		Seq: get(4), Seconds: get(5), Nanosecs: get(6)}
	n := int(get(7))
	if n < 0 || len(b) != HeaderLength+4+n*datumLength {
		return h, nil, fmt.Errorf("%w: %d datums in %d bytes", ErrSDBPacket, n, len(b))
	}
	datums := make([]Datum, n)
	for i := range datums {
		base := 8 + i*6
		datums[i] = Datum{
			Source: Task(get(base)),
			ID:     DatumID(get(base + 1)),
			Units:  Units(get(base + 2)),
			Time:   FromTimestamp(get(base+3), get(base+4)),
			Value:  get(base + 5),
		}
	}
	return h, datums, nil
}
