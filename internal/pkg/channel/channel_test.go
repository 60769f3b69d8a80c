package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestOpenInboundAndClose(t *testing.T) {
	cs := NewChannelSet()
	a, b := socketpair(t)
	defer unix.Close(b)

	chid, err := cs.OpenInbound(a, nil, nil, 15*time.Millisecond)
	require.NoError(t, err)

	ch, ok := cs.Get(chid)
	require.True(t, ok)
	assert.Equal(t, StateConnect, ch.State)

	cs.Close(chid)
	_, ok = cs.Get(chid)
	assert.False(t, ok)
}

func TestFindOneFreeChannelReusesLowestId(t *testing.T) {
	cs := NewChannelSet()
	a1, b1 := socketpair(t)
	defer unix.Close(b1)
	a2, b2 := socketpair(t)
	defer unix.Close(b2)

	chid0, err := cs.OpenInbound(a1, nil, nil, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, chid0)

	chid1, err := cs.OpenInbound(a2, nil, nil, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, chid1)

	cs.Close(chid0)

	a3, b3 := socketpair(t)
	defer unix.Close(a3)
	defer unix.Close(b3)
	chid2, err := cs.OpenInbound(b3, nil, nil, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, chid2)
}

func TestPollDeliversPartialMessage(t *testing.T) {
	cs := NewChannelSet()
	a, b := socketpair(t)
	defer unix.Close(b)

	chid, err := cs.OpenInbound(a, nil, nil, 15*time.Millisecond)
	require.NoError(t, err)

	payload := []byte("hello from peer")
	n, err := unix.Write(b, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	var readable []int
	for i := 0; i < 20 && len(readable) == 0; i++ {
		readable, _, err = cs.Poll(1e9, 1, 0, 1.2)
		require.NoError(t, err)
		if len(readable) == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	require.Contains(t, readable, chid)

	ch, ok := cs.Get(chid)
	require.True(t, ok)
	got := ch.Receive()
	assert.Equal(t, payload, got[:len(payload)])
}

func TestPollReportsNeighborExitOnPeerClose(t *testing.T) {
	cs := NewChannelSet()
	a, b := socketpair(t)

	chid, err := cs.OpenInbound(a, nil, nil, time.Millisecond)
	require.NoError(t, err)

	unix.Close(b)

	var reports []Report
	for i := 0; i < 20; i++ {
		_, reports, err = cs.Poll(1e9, 1, 0, 1.2)
		require.NoError(t, err)
		if len(reports) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.NotEmpty(t, reports)
	assert.Equal(t, chid, reports[0].Chid)
	assert.Equal(t, ReportNeighborExit, reports[0].Kind)
}

func TestSendQueueAndRecvQueueLen(t *testing.T) {
	cs := NewChannelSet()
	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	chid, err := cs.OpenInbound(a, nil, nil, time.Millisecond)
	require.NoError(t, err)
	ch, _ := cs.Get(chid)

	assert.Equal(t, 0, ch.SendQueueLen())
	ch.Send([]byte("x"))
	assert.Equal(t, 1, ch.SendQueueLen())
}
