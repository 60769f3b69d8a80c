package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

func newTestLiveness(t *testing.T, now time.Time) (*Liveness, *[]byte) {
	t.Helper()
	tun := config.Tunables{
		HandShakeInterval: time.Second, MaxHandShakeTimes: 3,
		MaxHeartBeatWaitTime: 2 * time.Second, HeartBeatInterval: time.Second, MaxHeartBeatTimes: 2,
	}
	var lastSent []byte
	tx := func(mtype byte) { lastSent = append(lastSent, mtype) }
	return New(tun, tx, now), &lastSent
}

func TestHandshakeExhaustionSelfCloses(t *testing.T) {
	now := time.Now()
	l, sent := newTestLiveness(t, now)
	for i := 0; i < 3; i++ {
		require.True(t, l.NeedHandshakeSend(now))
		l.SendHandshake(now)
		now = now.Add(2 * time.Second)
	}
	assert.False(t, l.SelfClose())
	l.SendHandshake(now)
	assert.True(t, l.SelfClose())
	assert.Len(t, *sent, 3)
}

func TestHandshakeAckMarksPeerOnline(t *testing.T) {
	now := time.Now()
	l, _ := newTestLiveness(t, now)
	backoff := l.OnHandshakeAck(30 * time.Second)
	assert.True(t, l.PeerOnline())
	assert.GreaterOrEqual(t, backoff, 15*time.Second)
	assert.LessOrEqual(t, backoff, 30*time.Second)
}

func TestHeartbeatExhaustionSelfCloses(t *testing.T) {
	now := time.Now()
	l, _ := newTestLiveness(t, now)
	l.OnHandshakeAck(0)

	now = now.Add(3 * time.Second)
	require.True(t, l.NeedHeartbeatSend(now))
	l.SendHeartbeat(now)
	now = now.Add(2 * time.Second)
	l.SendHeartbeat(now)
	assert.False(t, l.SelfClose())
	now = now.Add(2 * time.Second)
	l.SendHeartbeat(now)
	assert.True(t, l.SelfClose())
}

func TestInboundActivityResetsHeartbeatCounter(t *testing.T) {
	now := time.Now()
	l, _ := newTestLiveness(t, now)
	l.OnHandshakeAck(0)
	l.heartBeatTimes = 2
	l.RecordInboundActivity(now.Add(5 * time.Second))
	assert.Equal(t, 0, l.heartBeatTimes)
}

func TestWavehandRequestThenSendClosesTunnel(t *testing.T) {
	now := time.Now()
	l, sent := newTestLiveness(t, now)
	l.OnHandshakeAck(0)
	l.RequestShutdown()
	assert.True(t, l.NeedWavehandSend())
	l.SendWavehandAndClose()
	assert.True(t, l.SelfClose())
	require.Len(t, *sent, 1)
	assert.Equal(t, byte(wire.MtypeWavehand), (*sent)[0])
}

func TestOnWavehandClosesImmediately(t *testing.T) {
	l, _ := newTestLiveness(t, time.Now())
	l.OnWavehand()
	assert.True(t, l.SelfClose())
}
