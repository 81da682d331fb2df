package cil

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GuidePacketLength is the size of an encoded TCS guide packet
const GuidePacketLength = 34

// guide packet bytes covered by the checksum: x, y, timecode, status and separators
const guidePacketBodyLength = 29

const (
	// MaxGuidePosition is the largest |x| or |y| a packet can carry
	MaxGuidePosition = 9999.99

	// MinTimecode and MaxTimecode bound the timecode of a non-terminating packet
	MinTimecode = 0.01
	MaxTimecode = 9999.99
)

const (
	// StatusOK is the status character of a good guide packet
	StatusOK byte = '0'

	// StatusFailed marks a packet sent after guiding failed
	StatusFailed byte = 'F'

	// StatusWindow marks a packet whose object is near the window edge
	StatusWindow byte = 'W'
)

// GuidePacket is one closed-loop correction sent to the TCS
type GuidePacket struct {
	// X and Y are the guide star centroid in binned CCD pixels
	X, Y float64

	// Terminating is set on the last packet of a guide session
	Terminating bool

	// Unreliable marks a packet whose centroid should not be trusted
	Unreliable bool

	// Timecode is the time in seconds the TCS should wait for the next packet
	Timecode float64

	// Status is '0'-'7' (reliability bits), 'F' or 'W'
	Status byte
}

func validStatus(c byte) bool {
	return (c >= '0' && c <= '7') || c == StatusFailed || c == StatusWindow
}

func signed(v float64) string {
	sign := byte('0')
	if v < 0 {
		sign = '-'
	}
	return string(sign) + fmt.Sprintf("%07.2f", math.Abs(v))
}

// Encode renders the packet as the 34 byte ASCII wire format:
//
//	<x> <y> <timecode> <status> <checksum>\r
//
// x, y and the timecode are a sign character ('0' or '-') and %07.2f of
// the magnitude.  The timecode sign is '-' for an unreliable packet and the
// whole field is 00000.00 for a terminating one.  The checksum is the
// decimal sum of the first 29 bytes.
func (p GuidePacket) Encode() ([]byte, error) {
	if math.Abs(p.X) > MaxGuidePosition || math.IsNaN(p.X) {
		return nil, fmt.Errorf("%w: x=%.2f", ErrGuideX, p.X)
	}
	if math.Abs(p.Y) > MaxGuidePosition || math.IsNaN(p.Y) {
		return nil, fmt.Errorf("%w: y=%.2f", ErrGuideY, p.Y)
	}
	if !p.Terminating && (p.Timecode < MinTimecode || p.Timecode > MaxTimecode || math.IsNaN(p.Timecode)) {
		return nil, fmt.Errorf("%w: %.2f", ErrGuideTimecode, p.Timecode)
	}
	if !validStatus(p.Status) {
		return nil, fmt.Errorf("%w: %q", ErrGuideStatus, p.Status)
	}
	tc := "00000.00"
	if !p.Terminating {
		tc = fmt.Sprintf("%07.2f", p.Timecode)
		if p.Unreliable {
			tc = "-" + tc
		} else {
			tc = "0" + tc
		}
	}
	body := fmt.Sprintf("%s %s %s %c ", signed(p.X), signed(p.Y), tc, p.Status)
	if len(body) != guidePacketBodyLength {
		return nil, fmt.Errorf("%w: body %q", ErrGuideFormat, body)
	}
	out := make([]byte, 0, GuidePacketLength)
	out = append(out, body...)
	out = append(out, fmt.Sprintf("%04d", checksum([]byte(body)))...)
	out = append(out, '\r')
	return out, nil
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b[:guidePacketBodyLength] {
		sum += int(c)
	}
	return sum
}

// ParseGuidePacket decodes a packet produced by Encode and verifies its checksum
func ParseGuidePacket(b []byte) (GuidePacket, error) {
	var p GuidePacket
	if len(b) != GuidePacketLength || b[GuidePacketLength-1] != '\r' {
		return p, fmt.Errorf("%w: length %d", ErrGuideParse, len(b))
	}
	fields := strings.Fields(string(b[:GuidePacketLength-1]))
	if len(fields) != 5 || len(fields[3]) != 1 {
		return p, fmt.Errorf("%w: %q", ErrGuideParse, b)
	}
	var err error
	if p.X, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return p, fmt.Errorf("%w: x %q", ErrGuideParse, fields[0])
	}
	if p.Y, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return p, fmt.Errorf("%w: y %q", ErrGuideParse, fields[1])
	}
	tc, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return p, fmt.Errorf("%w: timecode %q", ErrGuideParse, fields[2])
	}
	switch {
	case tc > 0:
		p.Timecode = tc
	case tc < 0 || strings.HasPrefix(fields[2], "-"):
		p.Unreliable = true
		p.Timecode = -tc
	default:
		p.Terminating = true
	}
	p.Status = fields[3][0]
	sum, err := strconv.Atoi(fields[4])
	if err != nil {
		return p, fmt.Errorf("%w: checksum %q", ErrGuideParse, fields[4])
	}
	if want := checksum(b); sum != want {
		return p, fmt.Errorf("%w: %d vs %d", ErrGuideChecksum, sum, want)
	}
	return p, nil
}

func (p GuidePacket) String() string {
	return fmt.Sprintf("x=%.2f y=%.2f timecode=%.2f terminating=%t unreliable=%t status=%c",
		p.X, p.Y, p.Timecode, p.Terminating, p.Unreliable, p.Status)
}
