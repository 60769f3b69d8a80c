package streamcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPktSize = 16

func symbol(b byte) []byte {
	s := make([]byte, testPktSize)
	for i := range s {
		s[i] = b
	}
	return s
}

func TestEncoderSourcePacketsAreVerbatim(t *testing.T) {
	enc := NewEncoder(testPktSize)
	id, err := enc.EnqueuePacket(symbol('a'))
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	pkt, err := enc.OutputSourcePacket(id)
	require.NoError(t, err)
	assert.True(t, pkt.IsSource())
	assert.Equal(t, symbol('a'), pkt.Symbol)
}

func TestEncoderWrongSymbolSize(t *testing.T) {
	enc := NewEncoder(testPktSize)
	_, err := enc.EnqueuePacket([]byte("short"))
	assert.Error(t, err)
}

func TestDecoderRecoversFromRepairPacket(t *testing.T) {
	enc := NewEncoder(testPktSize)
	var ids []int32
	for i, b := range []byte{'a', 'b', 'c'} {
		id, err := enc.EnqueuePacket(symbol(b))
		require.NoError(t, err)
		assert.Equal(t, int32(i), id)
		ids = append(ids, id)
	}

	repair, err := enc.OutputRepairPacket()
	require.NoError(t, err)
	assert.False(t, repair.IsSource())

	dec := NewDecoder(testPktSize)

	// Deliver all but the middle source packet, then the repair packet.
	p0, err := enc.OutputSourcePacket(ids[0])
	require.NoError(t, err)
	dec.ReceivePacket(p0)

	p2, err := enc.OutputSourcePacket(ids[2])
	require.NoError(t, err)
	dec.ReceivePacket(p2)

	dec.ReceivePacket(repair)

	got, ok := dec.Consume(ids[1])
	require.True(t, ok)
	assert.Equal(t, symbol('b'), got)
	assert.Equal(t, int32(2), dec.Inorder())
}

func TestDecoderInorderAdvancesContiguously(t *testing.T) {
	enc := NewEncoder(testPktSize)
	dec := NewDecoder(testPktSize)

	for _, b := range []byte{'x', 'y', 'z'} {
		id, err := enc.EnqueuePacket(symbol(b))
		require.NoError(t, err)
		pkt, err := enc.OutputSourcePacket(id)
		require.NoError(t, err)
		dec.ReceivePacket(pkt)
	}
	assert.Equal(t, int32(2), dec.Inorder())
}

func TestFlushAckedPacketsShrinksWindow(t *testing.T) {
	enc := NewEncoder(testPktSize)
	for _, b := range []byte{'a', 'b', 'c'} {
		_, err := enc.EnqueuePacket(symbol(b))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(0), enc.Headsid())
	enc.FlushAckedPackets(1)
	assert.Equal(t, int32(2), enc.Headsid())

	_, err := enc.OutputSourcePacket(0)
	assert.Error(t, err)
}

func TestPacketRoundTripsThroughWire(t *testing.T) {
	pkt := Packet{SourceID: 42, RepairID: -1, WinS: 40, WinE: 42, Symbol: symbol('q')}
	parsed, err := ParsePacket(pkt.Packed(), testPktSize)
	require.NoError(t, err)
	assert.Equal(t, pkt, parsed)
}

func TestParsePacketRejectsWrongLength(t *testing.T) {
	_, err := ParsePacket([]byte("short"), testPktSize)
	assert.Error(t, err)
}

func TestOutputRepairPacketShortCapsWindow(t *testing.T) {
	enc := NewEncoder(testPktSize)
	for _, b := range []byte{'a', 'b', 'c', 'd'} {
		_, err := enc.EnqueuePacket(symbol(b))
		require.NoError(t, err)
	}
	repair, err := enc.OutputRepairPacketShort(2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repair.WinS)
	assert.Equal(t, int32(3), repair.WinE)
}
