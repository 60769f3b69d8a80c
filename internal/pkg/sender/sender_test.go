package sender

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/streamcode"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

func testAddrs() (*net.TCPAddr, *net.TCPAddr) {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1234},
		&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 80}
}

func newTestSender(t *testing.T) (*Sender, *[][]byte) {
	t.Helper()
	tun := config.Tunables{
		ExtraRepairRate:      0.02,
		MaxBufferQueueLength: 100,
		CwndGain:             1.0,
		BwWindowPeriod:       60 * time.Second,
		PacingGain:           10,
		ProbeInterval:        30 * time.Second,
		ProbeTrainLength:     6,
		InitCwnd:             10,
	}
	cfg := config.Flags{BwEstMethod: config.BwEstJersey, DeactivateProbeBw: true}
	enc := streamcode.NewEncoder(wire.SCPayloadPackedLength)
	var sent [][]byte
	tx := func(body []byte, mtype byte) {
		sent = append(sent, body)
	}
	return New(tun, cfg, enc, tx), &sent
}

func TestEnqueueTCPBytesChunksAtMsgDataMaxLength(t *testing.T) {
	s, _ := newTestSender(t)
	neighbor, remote := testAddrs()
	data := make([]byte, wire.MsgDataMaxLength+10)
	err := s.EnqueueTCPBytes(neighbor, remote, data)
	require.NoError(t, err)
	assert.Equal(t, int32(1), s.currentMaxSourceID)
}

func TestIdleAndBufferRemain(t *testing.T) {
	s, _ := newTestSender(t)
	assert.True(t, s.Idle())
	neighbor, remote := testAddrs()
	require.NoError(t, s.EnqueueTCPBytes(neighbor, remote, []byte("hello")))
	assert.False(t, s.Idle())
	assert.Equal(t, 99, s.BufferRemain())
}

func TestTickSendsEnqueuedSourcePacket(t *testing.T) {
	s, sent := newTestSender(t)
	neighbor, remote := testAddrs()
	require.NoError(t, s.EnqueueTCPBytes(neighbor, remote, []byte("hello")))
	s.Tick(time.Now())
	assert.Len(t, *sent, 1)
	assert.Equal(t, int32(0), s.lastSentSourceID)
}

func TestOnAckAdvancesInorderAndSamplesRTT(t *testing.T) {
	s, _ := newTestSender(t)
	neighbor, remote := testAddrs()
	require.NoError(t, s.EnqueueTCPBytes(neighbor, remote, []byte("hello")))
	now := time.Now()
	s.Tick(now)

	ack := wire.InorderAck{
		Inorder: 0, NSource: 1, NRepair: 0,
		LatestRecvPktType: wire.PacketInfoSource, LatestRecvSourceID: 0, LatestRecvRepairID: -1,
	}
	s.OnAck(ack, now.Add(10*time.Millisecond))
	assert.Equal(t, int32(0), s.LastAckedInorder())
	assert.Greater(t, s.RTT(), 0.0)
}

func TestOnAckIgnoresStaleAck(t *testing.T) {
	s, _ := newTestSender(t)
	s.lastAckedInorderID = 5
	s.lastAckedSourceNum = 5
	s.lastAckedRepairNum = 0
	stale := wire.InorderAck{Inorder: 2, NSource: 2, NRepair: 0}
	s.OnAck(stale, time.Now())
	assert.Equal(t, int32(5), s.lastAckedInorderID)
}

func TestUpdateCwndRespectsConstBw(t *testing.T) {
	s, _ := newTestSender(t)
	s.constBw = 100
	s.rttMin = 0.1
	s.updateCwnd()
	assert.GreaterOrEqual(t, s.Cwnd(), 10)
}

func TestShouldProbeRequiresIdleAndElapsed(t *testing.T) {
	s, _ := newTestSender(t)
	s.activeProbeBw = true
	assert.True(t, s.ShouldProbe(time.Now()))
	neighbor, remote := testAddrs()
	require.NoError(t, s.EnqueueTCPBytes(neighbor, remote, []byte("x")))
	assert.False(t, s.ShouldProbe(time.Now()))
}

func TestSendProbeTrainEmitsConfiguredLength(t *testing.T) {
	s, sent := newTestSender(t)
	s.activeProbeBw = true
	s.SendProbeTrain(time.Now())
	assert.Len(t, *sent, s.tun.ProbeTrainLength)
	assert.Len(t, s.probePacketSentTimes, s.tun.ProbeTrainLength)
}

func TestHandleProbeAckEstimatesRTTAndBandwidth(t *testing.T) {
	s, _ := newTestSender(t)
	s.activeProbeBw = true
	start := time.Now()
	s.SendProbeTrain(start)

	for i := 0; i < s.tun.ProbeTrainLength-1; i++ {
		s.HandleProbeAck([]byte("0"), start.Add(5*time.Millisecond))
	}
	s.HandleProbeAck([]byte("5 0.01"), start.Add(20*time.Millisecond))
	assert.Greater(t, s.probeBw, 0.0)
	assert.Greater(t, s.Cwnd(), 0)
}

func TestTCPAvailableBwFallsBackToDefault(t *testing.T) {
	s, _ := newTestSender(t)
	bw := s.TCPAvailableBw()
	assert.Equal(t, 5*1024*1024.0, bw)
}
