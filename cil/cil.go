/*Package cil implements the outbound protocols of the autoguider: the ASCII
guide packet sent to the telescope control system (TCS) and the binary CIL
status submission sent to the status database (SDB).

The guide engine sees both through Emitter, which keeps a table of SDB
datums, sends guide packets and submissions over UDP, and can have either
direction switched off by configuration.
*/
package cil

import (
	"fmt"
	"time"
)

// Error is a CIL error code
type Error uint

const (
	// ErrGuideX is generated for an x position outside +-9999.99
	ErrGuideX Error = 202

	// ErrGuideY is generated for a y position outside +-9999.99
	ErrGuideY Error = 203

	// ErrGuideTimecode is generated for a timecode outside 0.01..9999.99
	ErrGuideTimecode Error = 204

	// ErrGuideStatus is generated for an illegal status character
	ErrGuideStatus Error = 205

	// ErrGuideFormat is generated when a packet does not format to 29 bytes
	ErrGuideFormat Error = 206

	// ErrGuideParse is generated when a received packet cannot be decoded
	ErrGuideParse Error = 213

	// ErrGuideChecksum is generated when a received packet has a bad checksum
	ErrGuideChecksum Error = 214

	// ErrSDBPacket is generated when an SDB submission cannot be decoded
	ErrSDBPacket Error = 303

	// ErrGuidePacketOpen is generated when the TCS socket cannot be opened
	ErrGuidePacketOpen Error = 1121

	// ErrGuidePacketSend is generated when a guide packet cannot be sent
	ErrGuidePacketSend Error = 1123

	// ErrGuidePacketClose is generated when the TCS socket cannot be closed
	ErrGuidePacketClose Error = 1125

	// ErrSDBOpen is generated when the SDB socket cannot be opened
	ErrSDBOpen Error = 1130

	// ErrState is generated for an AG state outside the enumeration
	ErrState Error = 1140

	// ErrDatum is generated for a datum id outside the table
	ErrDatum Error = 1141

	// ErrExposureTime is generated for a negative exposure time
	ErrExposureTime Error = 1145

	// ErrWindow is generated for an invalid window
	ErrWindow Error = 1104

	// ErrSDBSend is generated when a submission cannot be sent
	ErrSDBSend Error = 1151
)

// ErrCodes maps error codes to their descriptions
var ErrCodes = map[Error]string{
	ErrGuideX:           "GUIDE_PACKET_X_OUT_OF_RANGE",
	ErrGuideY:           "GUIDE_PACKET_Y_OUT_OF_RANGE",
	ErrGuideTimecode:    "GUIDE_PACKET_TIMECODE_OUT_OF_RANGE",
	ErrGuideStatus:      "GUIDE_PACKET_ILLEGAL_STATUS",
	ErrGuideFormat:      "GUIDE_PACKET_FORMAT",
	ErrGuideParse:       "GUIDE_PACKET_PARSE",
	ErrGuideChecksum:    "GUIDE_PACKET_CHECKSUM",
	ErrSDBPacket:        "SDB_PACKET_MALFORMED",
	ErrGuidePacketOpen:  "GUIDE_PACKET_OPEN",
	ErrGuidePacketSend:  "GUIDE_PACKET_SEND",
	ErrGuidePacketClose: "GUIDE_PACKET_CLOSE",
	ErrSDBOpen:          "SDB_OPEN",
	ErrState:            "SDB_ILLEGAL_STATE",
	ErrDatum:            "SDB_ILLEGAL_DATUM",
	ErrExposureTime:     "SDB_ILLEGAL_EXPOSURE_TIME",
	ErrWindow:           "SDB_ILLEGAL_WINDOW",
	ErrSDBSend:          "SDB_SEND",
}

func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// Task identifies a node on the CIL network
type Task int32

// CIL tasks, in network order
const (
	TaskBOL Task = iota
	TaskMCP
	TaskCHB
	TaskUI1
	TaskUI2
	TaskAI1
	TaskAI2
	TaskAI3
	TaskMIT
	TaskMCB
	TaskSDB
	TaskSFR
	TaskSPT
	TaskEPT
	TaskEPS
	TaskWMS
	TaskAVS
	TaskTCS
	TaskRCS
	TaskOCS
	TaskAGS
	TaskAGP
	TaskAGG
	TaskAGI
)

// Class is the CIL message class
type Class int32

const (
	// ClassCommand is a command, expecting a response
	ClassCommand Class = 1

	// ClassResponse is a response to a command
	ClassResponse Class = 2
)

// ServiceSDBSubmit is the SDB service accepting datum submissions
const ServiceSDBSubmit int32 = (0x000d << 16) + 1

// TimestampEpoch is the zero of CIL timestamps
var TimestampEpoch = time.Date(1998, time.January, 1, 0, 0, 0, 0, time.UTC)

// Timestamp converts t to CIL seconds and nanoseconds since TimestampEpoch
func Timestamp(t time.Time) (int32, int32) {
	return int32(t.Unix() - TimestampEpoch.Unix()), int32(t.Nanosecond())
}

// FromTimestamp is the inverse of Timestamp
func FromTimestamp(sec, nsec int32) time.Time {
	return time.Unix(int64(sec)+TimestampEpoch.Unix(), int64(nsec)).UTC()
}

// Header is the CIL packet header
type Header struct {
	Source   Task
	Dest     Task
	Class    Class
	Service  int32
	Seq      int32
	Seconds  int32
	Nanosecs int32
}

// HeaderLength is the encoded size of Header
const HeaderLength = 7 * 4
