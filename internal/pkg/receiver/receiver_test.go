package receiver

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/streamcode"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

type fakeHooks struct {
	delivered   []string
	closedCalls int
	remoteReq   int
	remoteExist int
	remoteNotExist int
	remoteExit  int
	lastExitN   int
}

func (f *fakeHooks) DeliverTCPData(neighbor, remote *net.TCPAddr, payload []byte) (int, bool) {
	f.delivered = append(f.delivered, string(payload))
	return len(payload), true
}
func (f *fakeHooks) CloseIfDrained(neighbor, remote *net.TCPAddr) { f.closedCalls++ }
func (f *fakeHooks) HandleRemoteRequest(neighbor, remote *net.TCPAddr) { f.remoteReq++ }
func (f *fakeHooks) HandleRemoteExist(neighbor, remote *net.TCPAddr) { f.remoteExist++ }
func (f *fakeHooks) HandleRemoteNotExist(neighbor, remote *net.TCPAddr) { f.remoteNotExist++ }
func (f *fakeHooks) HandleRemoteExit(neighbor, remote *net.TCPAddr, peerSentBytes int) {
	f.remoteExit++
	f.lastExitN = peerSentBytes
}

func newTestReceiver(t *testing.T) (*Receiver, *fakeHooks, *[][]byte) {
	t.Helper()
	tun := config.Tunables{SourceAckInterval: 1, ProbeTrainLength: 6, InitCwnd: 10}
	cfg := config.Flags{DeactivateProbeBw: true}
	dec := streamcode.NewDecoder(wire.SCPayloadPackedLength)
	hooks := &fakeHooks{}
	var sent [][]byte
	tx := func(body []byte, mtype byte) { sent = append(sent, body) }
	return New(tun, cfg, dec, tx, hooks), hooks, &sent
}

func testAddrs() (*net.TCPAddr, *net.TCPAddr) {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1234},
		&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 80}
}

func tcpRawDataPacket(t *testing.T, neighbor, remote *net.TCPAddr, payload string) []byte {
	t.Helper()
	data := make([]byte, len(payload))
	copy(data, payload)
	p := wire.SCPayload{Msg: wire.MsgTCPRawData, MsgData: data, SrcAddr: neighbor, DstAddr: remote}
	packed, err := p.Packed()
	require.NoError(t, err)
	return packed
}

func TestHandleSCProtectedPktSendsAckForSource(t *testing.T) {
	r, _, sent := newTestReceiver(t)
	neighbor, remote := testAddrs()
	body := tcpRawDataPacket(t, neighbor, remote, "hello")
	pkt := streamcode.Packet{SourceID: 0, RepairID: -1, WinS: 0, WinE: 0, Symbol: body}
	r.HandleTunnelPacket(wire.MtypeSCProtectedPkt, pkt.Packed(), time.Now())
	require.Len(t, *sent, 1)
	ack, err := wire.ParseInorderAck((*sent)[0])
	require.NoError(t, err)
	assert.Equal(t, int32(0), ack.Inorder)
}

func TestDeliverRecoveredDispatchesTCPRawData(t *testing.T) {
	r, hooks, _ := newTestReceiver(t)
	neighbor, remote := testAddrs()
	body := tcpRawDataPacket(t, neighbor, remote, "payload-data")
	pkt := streamcode.Packet{SourceID: 0, RepairID: -1, WinS: 0, WinE: 0, Symbol: body}
	r.HandleTunnelPacket(wire.MtypeSCProtectedPkt, pkt.Packed(), time.Now())

	r.DeliverRecovered(time.Now())
	require.Len(t, hooks.delivered, 1)
	assert.Contains(t, hooks.delivered[0], "payload-data")
}

func TestDeliverRecoveredHandlesRemoteExit(t *testing.T) {
	r, hooks, _ := newTestReceiver(t)
	neighbor, remote := testAddrs()
	data := make([]byte, len("4096"))
	copy(data, "4096")
	p := wire.SCPayload{Msg: wire.MsgRemoteExit, MsgData: data, SrcAddr: neighbor, DstAddr: remote}
	packed, err := p.Packed()
	require.NoError(t, err)
	pkt := streamcode.Packet{SourceID: 0, RepairID: -1, WinS: 0, WinE: 0, Symbol: packed}
	r.HandleTunnelPacket(wire.MtypeSCProtectedPkt, pkt.Packed(), time.Now())

	r.DeliverRecovered(time.Now())
	assert.Equal(t, 1, hooks.remoteExit)
	assert.Equal(t, 4096, hooks.lastExitN)
}

func TestHandleProbeEchoesIDAndDispersionOnLastPacket(t *testing.T) {
	r, _, sent := newTestReceiver(t)
	now := time.Now()
	for id := 0; id < r.tun.ProbeTrainLength-1; id++ {
		r.handleProbe([]byte(strconv.Itoa(id)), now.Add(time.Duration(id)*time.Millisecond))
	}
	r.handleProbe([]byte(strconv.Itoa(r.tun.ProbeTrainLength-1)), now.Add(20*time.Millisecond))
	require.Len(t, *sent, r.tun.ProbeTrainLength)
	last := string((*sent)[len(*sent)-1])
	assert.Contains(t, last, strconv.Itoa(r.tun.ProbeTrainLength-1))
}

func TestHandleProbeInvalidatesOnGap(t *testing.T) {
	r, _, sent := newTestReceiver(t)
	now := time.Now()
	r.handleProbe([]byte("0"), now)
	r.handleProbe([]byte("3"), now.Add(time.Millisecond))
	assert.False(t, r.probeValidity)
	assert.Len(t, *sent, 1)
}

func TestBurstAdvertisementSentOnLargeGap(t *testing.T) {
	r, _, sent := newTestReceiver(t)
	neighbor, remote := testAddrs()
	body := tcpRawDataPacket(t, neighbor, remote, "x")
	pkt := streamcode.Packet{SourceID: 20, RepairID: -1, WinS: 0, WinE: 20, Symbol: body}
	r.HandleTunnelPacket(wire.MtypeSCProtectedPkt, pkt.Packed(), time.Now())

	require.NotEmpty(t, *sent)
	assert.Contains(t, string((*sent)[0]), "SOURCE")
}
