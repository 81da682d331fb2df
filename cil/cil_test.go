package cil_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/autoguider/camera"
	"github.jpl.nasa.gov/bdube/autoguider/cil"
	"github.jpl.nasa.gov/bdube/autoguider/config"
)

func ExampleGuidePacket_Encode() {
	p := cil.GuidePacket{X: 512.25, Y: -3.5, Timecode: 2.4, Status: cil.StatusOK}
	b, _ := p.Encode()
	fmt.Printf("%q\n", b)
	// Output: "00512.25 -0003.50 00002.40 0 1348\r"
}

func ExampleDatumID_String() {
	fmt.Println(cil.DatumAGState, cil.DatumCentroidX, cil.DatumAGFrameRMS, cil.DatumID(99))
	// Output: AGSTATE CENTROIDX AGFRAMERMS DATUM(99)
}

func TestGuidePacketLayout(t *testing.T) {
	cases := []cil.GuidePacket{
		{X: 0, Y: 0, Timecode: 1, Status: '0'},
		{X: 9999.99, Y: -9999.99, Timecode: 9999.99, Status: '7'},
		{X: 10, Y: 20, Terminating: true, Status: '0'},
		{X: 10, Y: 20, Unreliable: true, Timecode: 3, Status: 'F'},
	}
	for _, p := range cases {
		b, err := p.Encode()
		require.NoError(t, err)
		require.Len(t, b, cil.GuidePacketLength)
		assert.Equal(t, byte('\r'), b[33])
		sum := 0
		for _, c := range b[:29] {
			sum += int(c)
		}
		got, err := strconv.Atoi(string(b[29:33]))
		require.NoError(t, err)
		assert.Equal(t, sum, got, "checksum of %q", b)
	}
}

func TestGuidePacketRoundTrip(t *testing.T) {
	cases := []cil.GuidePacket{
		{X: 123.45, Y: 678.9, Timecode: 1.5, Status: '0'},
		{X: -1, Y: 2, Unreliable: true, Timecode: 0.5, Status: '3'},
		{X: 4, Y: -5, Terminating: true, Status: 'W'},
	}
	for _, p := range cases {
		b, err := p.Encode()
		require.NoError(t, err)
		got, err := cil.ParseGuidePacket(b)
		require.NoError(t, err)
		assert.InDelta(t, p.X, got.X, 1e-9)
		assert.InDelta(t, p.Y, got.Y, 1e-9)
		assert.InDelta(t, p.Timecode, got.Timecode, 1e-9)
		assert.Equal(t, p.Terminating, got.Terminating)
		assert.Equal(t, p.Unreliable, got.Unreliable)
		assert.Equal(t, p.Status, got.Status)
	}
}

func TestGuidePacketValidation(t *testing.T) {
	_, err := cil.GuidePacket{X: 10000, Timecode: 1, Status: '0'}.Encode()
	assert.True(t, errors.Is(err, cil.ErrGuideX))
	_, err = cil.GuidePacket{Y: -10000, Timecode: 1, Status: '0'}.Encode()
	assert.True(t, errors.Is(err, cil.ErrGuideY))
	_, err = cil.GuidePacket{Timecode: 0.001, Status: '0'}.Encode()
	assert.True(t, errors.Is(err, cil.ErrGuideTimecode))
	_, err = cil.GuidePacket{Timecode: 1, Status: '8'}.Encode()
	assert.True(t, errors.Is(err, cil.ErrGuideStatus))
}

func TestParseRejectsBadChecksum(t *testing.T) {
	b, err := cil.GuidePacket{X: 1, Y: 1, Timecode: 1, Status: '0'}.Encode()
	require.NoError(t, err)
	b[2] = '9'
	_, err = cil.ParseGuidePacket(b)
	assert.True(t, errors.Is(err, cil.ErrGuideChecksum))
	_, err = cil.ParseGuidePacket(b[:20])
	assert.True(t, errors.Is(err, cil.ErrGuideParse))
}

func TestSDBPacketLayout(t *testing.T) {
	s := cil.NewSDB()
	assert.Nil(t, s.Packet(time.Now()), "nothing set, nothing to submit")

	now := cil.TimestampEpoch.Add(1000*time.Second + 5)
	require.NoError(t, s.Set(cil.DatumAGState, int32(cil.StateWorking), now))
	require.NoError(t, s.Set(cil.DatumCentroidX, 512250, now))
	b := s.Packet(now)
	require.Len(t, b, 28+4+2*24)

	word := func(i int) int32 { return int32(binary.BigEndian.Uint32(b[i*4:])) }
	assert.Equal(t, int32(cil.TaskAGS), word(0))
	assert.Equal(t, int32(cil.TaskSDB), word(1))
	assert.Equal(t, int32(cil.ClassCommand), word(2))
	assert.Equal(t, int32(0x000d0001), word(3))
	assert.Equal(t, int32(0), word(4))
	assert.Equal(t, int32(1000), word(5))
	assert.Equal(t, int32(5), word(6))
	assert.Equal(t, int32(2), word(7))
	// first datum: AGSTATE
	assert.Equal(t, int32(cil.TaskAGS), word(8))
	assert.Equal(t, int32(cil.DatumAGState), word(9))
	assert.Equal(t, int32(cil.UnitsNone), word(10))
	assert.Equal(t, int32(cil.StateWorking), word(13))

	h, datums, err := cil.DecodeSubmission(b)
	require.NoError(t, err)
	assert.Equal(t, int32(0), h.Seq)
	require.Len(t, datums, 2)
	assert.Equal(t, cil.DatumCentroidX, datums[1].ID)
	assert.Equal(t, cil.UnitsMilliPixel, datums[1].Units)
	assert.Equal(t, int32(512250), datums[1].Value)
	assert.True(t, datums[1].Time.Equal(now))

	assert.Nil(t, s.Packet(now), "changed flags are cleared by a submission")
}

func TestSDBChangeRules(t *testing.T) {
	s := cil.NewSDB()
	now := time.Now()
	require.NoError(t, s.Set(cil.DatumAGState, 5, now))
	require.NotNil(t, s.Packet(now))
	require.NoError(t, s.Set(cil.DatumAGState, 5, now))
	assert.Equal(t, 0, s.Pending(), "an unchanged state is not resubmitted")
	require.NoError(t, s.Set(cil.DatumFWHM, 2000, now))
	require.NotNil(t, s.Packet(now))
	require.NoError(t, s.Set(cil.DatumFWHM, 2000, now))
	assert.Equal(t, 1, s.Pending(), "measurements are always resubmitted")

	assert.True(t, errors.Is(s.Set(cil.DatumID(0), 1, now), cil.ErrDatum))
	assert.True(t, errors.Is(s.Set(cil.DatumID(99), 1, now), cil.ErrDatum))

	h1, _, _ := cil.DecodeSubmission(s.Packet(now))
	require.NoError(t, s.Set(cil.DatumFWHM, 2000, now))
	h2, _, _ := cil.DecodeSubmission(s.Packet(now))
	assert.Equal(t, h1.Seq+1, h2.Seq)
}

func listen(t *testing.T) (net.PacketConn, int) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc, pc.LocalAddr().(*net.UDPAddr).Port
}

func recv(t *testing.T, pc net.PacketConn) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestEmitterLoopback(t *testing.T) {
	tcs, tcsPort := listen(t)
	sdb, sdbPort := listen(t)
	cfg := config.FromMap(map[string]interface{}{
		"cil.tcs.guide_packet.send":        true,
		"cil.tcs.hostname":                 "127.0.0.1",
		"cil.tcs.guide_packet.port_number": tcsPort,
		"cil.sdb.packet.send":              true,
		"cil.mcc.hostname":                 "127.0.0.1",
		"cil.sdb.port_number":              sdbPort,
		"cil.sdb.rate":                     1000.0,
	})
	e, err := cil.NewEmitter(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Open(ctx))
	defer e.Close()

	p := cil.GuidePacket{X: 100.5, Y: 200.25, Timecode: 1.2, Status: '0'}
	require.NoError(t, e.SendGuidePacket(ctx, p))
	got, err := cil.ParseGuidePacket(recv(t, tcs))
	require.NoError(t, err)
	assert.Equal(t, 100.5, got.X)

	require.NoError(t, e.SetState(cil.StateOnPixel))
	require.NoError(t, e.SetWindow(camera.Window{XStart: 10, YStart: 20, XEnd: 109, YEnd: 119}))
	require.NoError(t, e.SetCentroid(60.5, 70.25, 2.5, 12.125))
	require.NoError(t, e.Flush(ctx))
	_, datums, err := cil.DecodeSubmission(recv(t, sdb))
	require.NoError(t, err)
	values := map[cil.DatumID]int32{}
	for _, d := range datums {
		values[d.ID] = d.Value
	}
	assert.Equal(t, int32(cil.StateOnPixel), values[cil.DatumAGState])
	assert.Equal(t, int32(10000), values[cil.DatumWindowTLX])
	assert.Equal(t, int32(119000), values[cil.DatumWindowBRY])
	assert.Equal(t, int32(60500), values[cil.DatumCentroidX])
	assert.Equal(t, int32(12125), values[cil.DatumGuideMag])
}

func TestEmitterDisabled(t *testing.T) {
	cfg := config.FromMap(map[string]interface{}{
		"cil.tcs.guide_packet.send": false,
		"cil.sdb.packet.send":       false,
	})
	e, err := cil.NewEmitter(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Open(ctx))
	require.NoError(t, e.SendGuidePacket(ctx, cil.GuidePacket{Timecode: 1, Status: '0'}))
	require.NoError(t, e.SetState(cil.StateIdle))
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, e.SDB().Pending(), "disabled submissions keep their datums")
	last, ok := e.LastGuidePacket()
	assert.True(t, ok)
	assert.Equal(t, byte('0'), last.Status)
	assert.Error(t, e.SetGuidePacketSend(true))
	assert.True(t, errors.Is(e.SetState(cil.State(42)), cil.ErrState))
}

func sdbEmitter(t *testing.T, perSec float64) (*cil.Emitter, net.PacketConn) {
	t.Helper()
	sdb, sdbPort := listen(t)
	cfg := config.FromMap(map[string]interface{}{
		"cil.tcs.guide_packet.send": false,
		"cil.sdb.packet.send":       true,
		"cil.mcc.hostname":          "127.0.0.1",
		"cil.sdb.port_number":       sdbPort,
		"cil.sdb.rate":              perSec,
	})
	e, err := cil.NewEmitter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, sdb
}

func values(t *testing.T, b []byte) map[cil.DatumID]int32 {
	t.Helper()
	_, datums, err := cil.DecodeSubmission(b)
	require.NoError(t, err)
	m := map[cil.DatumID]int32{}
	for _, d := range datums {
		m[d.ID] = d.Value
	}
	return m
}

func TestEmitterRateLimitDefers(t *testing.T) {
	e, sdb := sdbEmitter(t, 0.001)
	ctx := context.Background()
	require.NoError(t, e.SetState(cil.StateWorking))
	require.NoError(t, e.Flush(ctx))
	recv(t, sdb)

	require.NoError(t, e.SetTemperature(-40))
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, e.SDB().Pending(), "a rate limited flush keeps the datum for later")

	require.NoError(t, e.SetState(cil.StateIdle))
	require.NoError(t, e.Flush(ctx))
	got := values(t, recv(t, sdb))
	assert.Equal(t, int32(cil.StateIdle), got[cil.DatumAGState])
	assert.Equal(t, int32(-40000), got[cil.DatumAGTemp])
}

func TestEmitterStateChangeIgnoresRate(t *testing.T) {
	e, sdb := sdbEmitter(t, 2.0)
	ctx := context.Background()
	require.NoError(t, e.SetState(cil.StateWorking))
	require.NoError(t, e.Flush(ctx))
	recv(t, sdb)

	require.NoError(t, e.SetState(cil.StateIdle))
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, int32(cil.StateIdle), values(t, recv(t, sdb))[cil.DatumAGState])
	assert.Equal(t, 0, e.SDB().Pending())
}

func TestEmitterTrailingFlush(t *testing.T) {
	e, sdb := sdbEmitter(t, 2.0)
	ctx := context.Background()
	require.NoError(t, e.SetState(cil.StateWorking))
	require.NoError(t, e.Flush(ctx))
	recv(t, sdb)

	require.NoError(t, e.SetExposureTime(400))
	require.NoError(t, e.Flush(ctx))
	require.NoError(t, e.Flush(ctx))
	got := values(t, recv(t, sdb))
	assert.Equal(t, int32(400), got[cil.DatumIntTime], "deferred datums go out without another Flush")
	assert.Equal(t, 0, e.SDB().Pending())
}
