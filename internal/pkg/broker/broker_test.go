package broker

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddrs() (*net.TCPAddr, *net.TCPAddr) {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1234},
		&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 80}
}

func TestRegisterAndTakeWaiting(t *testing.T) {
	b := New()
	neighbor, remote := testAddrs()
	b.RegisterWaiting(neighbor, remote, 7)

	chid, ok := b.TakeWaiting(neighbor, remote)
	require.True(t, ok)
	assert.Equal(t, 7, chid)

	_, ok = b.TakeWaiting(neighbor, remote)
	assert.False(t, ok)
}

func TestConnectionRecordByteAccounting(t *testing.T) {
	b := New()
	neighbor, remote := testAddrs()
	b.RegisterConnection(neighbor, remote, 3)

	b.AddSentBytes(neighbor, remote, 100)
	total := b.AddRecvBytes(neighbor, remote, 50)
	assert.Equal(t, 50, total)

	rec, ok := b.Record(neighbor, remote)
	require.True(t, ok)
	assert.Equal(t, 100, rec.SentBytes)
	assert.Equal(t, 50, rec.RecvBytes)
}

func TestDrainedOnlyAfterCloseAtMatches(t *testing.T) {
	b := New()
	neighbor, remote := testAddrs()
	b.RegisterConnection(neighbor, remote, 1)
	b.AddRecvBytes(neighbor, remote, 200)
	assert.False(t, b.Drained(neighbor, remote))

	b.SetCloseAt(neighbor, remote, 200)
	assert.True(t, b.Drained(neighbor, remote))
}

func TestRemoveDropsRecord(t *testing.T) {
	b := New()
	neighbor, remote := testAddrs()
	b.RegisterConnection(neighbor, remote, 1)
	b.Remove(neighbor, remote)
	_, ok := b.Record(neighbor, remote)
	assert.False(t, ok)
}

func TestTotalBytesSumsAcrossConnections(t *testing.T) {
	b := New()
	n1, r1 := testAddrs()
	b.RegisterConnection(n1, r1, 1)
	b.AddSentBytes(n1, r1, 10)
	b.AddRecvBytes(n1, r1, 20)

	n2 := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 5000}
	b.RegisterConnection(n2, r1, 2)
	b.AddSentBytes(n2, r1, 5)

	sent, recv, count := b.TotalBytes()
	assert.Equal(t, 15, sent)
	assert.Equal(t, 20, recv)
	assert.Equal(t, 2, count)
}
