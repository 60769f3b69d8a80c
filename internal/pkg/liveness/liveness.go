// Package liveness implements the handshake/heartbeat/wavehand state
// machine of spec.md §4.6: bringing a tunnel up, keeping it up, and
// tearing it down. Grounded on original_source/pep.py's
// EstablishPEPConnection, HeartBeat, and ClosePEPConnection.
package liveness

import (
	"math/rand"
	"time"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// Transmit sends one fully wire-framed packet to the peer over the UDP
// tunnel.
type Transmit func(mtype byte)

// Liveness tracks the handshake/heartbeat/wavehand state for one tunnel.
type Liveness struct {
	tun config.Tunables
	tx  Transmit
	rng *rand.Rand

	peerOnline   bool
	selfClose    bool
	selfPreClose bool

	handShakeTimes    int
	lastHandShakeTime time.Time

	heartBeatTimes    int
	lastHeartBeatTime time.Time
	lastResponseTime  time.Time
}

// New creates a Liveness tracker. now seeds lastResponseTime so the
// first heartbeat deadline is measured from startup, not the zero time.
func New(tun config.Tunables, tx Transmit, now time.Time) *Liveness {
	return &Liveness{tun: tun, tx: tx, rng: rand.New(rand.NewSource(1)), lastResponseTime: now}
}

// PeerOnline reports whether the handshake has completed.
func (l *Liveness) PeerOnline() bool { return l.peerOnline }

// SelfClose reports whether this side has decided to tear the tunnel
// down immediately (handshake/heartbeat exhaustion, or peer wavehand).
func (l *Liveness) SelfClose() bool { return l.selfClose }

// SelfPreClose reports whether a user-requested shutdown is pending a
// WAVEHAND send.
func (l *Liveness) SelfPreClose() bool { return l.selfPreClose }

// NeedHandshakeSend reports whether it's time to (re)send a HANDSHAKE.
func (l *Liveness) NeedHandshakeSend(now time.Time) bool {
	return !l.peerOnline && now.Sub(l.lastHandShakeTime) >= l.tun.HandShakeInterval
}

// SendHandshake sends one HANDSHAKE, or self-closes once
// MaxHandShakeTimes has been exceeded.
func (l *Liveness) SendHandshake(now time.Time) {
	l.handShakeTimes++
	if l.handShakeTimes > l.tun.MaxHandShakeTimes {
		l.selfClose = true
		return
	}
	l.tx(wire.MtypeHandshake)
	l.lastHandShakeTime = now
}

// OnHandshakeRequest replies to an inbound HANDSHAKE with a
// HANDSHAKE_ACK.
func (l *Liveness) OnHandshakeRequest() {
	l.tx(wire.MtypeHandshakeAck)
}

// OnHandshakeAck marks the tunnel up and returns the randomized
// probe-backoff interval the sender should seed its last-probed time
// with, to avoid every newly-established tunnel immediately bursting a
// bandwidth probe train.
func (l *Liveness) OnHandshakeAck(probeInterval time.Duration) time.Duration {
	l.peerOnline = true
	if probeInterval <= 0 {
		return 0
	}
	min := probeInterval / 2
	return min + time.Duration(l.rng.Int63n(int64(probeInterval-min)+1))
}

// NeedHeartbeatSend reports whether it's time to send a HEARTBEAT: either
// no response for MaxHeartBeatWaitTime with none outstanding yet, or
// HeartBeatInterval elapsed since the last unanswered one.
func (l *Liveness) NeedHeartbeatSend(now time.Time) bool {
	if !l.peerOnline || l.selfPreClose {
		return false
	}
	if l.heartBeatTimes == 0 {
		return now.Sub(l.lastResponseTime) >= l.tun.MaxHeartBeatWaitTime
	}
	return now.Sub(l.lastHeartBeatTime) >= l.tun.HeartBeatInterval
}

// SendHeartbeat sends one HEARTBEAT, or self-closes once
// MaxHeartBeatTimes unanswered heartbeats have been sent.
func (l *Liveness) SendHeartbeat(now time.Time) {
	l.heartBeatTimes++
	if l.heartBeatTimes > l.tun.MaxHeartBeatTimes {
		l.selfClose = true
		return
	}
	l.lastHeartBeatTime = now
	l.tx(wire.MtypeHeartbeat)
}

// OnHeartbeatRequest replies to an inbound HEARTBEAT with a
// HEARTBEAT_ACK.
func (l *Liveness) OnHeartbeatRequest() {
	l.tx(wire.MtypeHeartbeatAck)
}

// RecordInboundActivity resets the heartbeat-failure counter and the
// response clock; called for every inbound UDP packet, not just
// HEARTBEAT_ACK, matching the original's "anything from the peer resets
// the heartbeat timer" behavior.
func (l *Liveness) RecordInboundActivity(now time.Time) {
	l.lastResponseTime = now
	l.heartBeatTimes = 0
}

// TouchHeartbeatFloor advances lastHeartBeatTime to t if t is later,
// folding in the other UDP-activity timestamps (handshake, probe, data
// sends) the original takes the max over every loop iteration so a busy
// tunnel never fires a spurious heartbeat.
func (l *Liveness) TouchHeartbeatFloor(t time.Time) {
	if t.After(l.lastHeartBeatTime) {
		l.lastHeartBeatTime = t
	}
}

// RequestShutdown begins a user-requested shutdown: if the tunnel is up,
// defers to a WAVEHAND handshake; otherwise closes immediately.
func (l *Liveness) RequestShutdown() {
	if l.peerOnline {
		l.selfPreClose = true
	} else {
		l.selfClose = true
	}
}

// HandshakeExhausted reports whether this side self-closed because the
// peer never answered MaxHandShakeTimes handshakes, as opposed to a clean
// wavehand or heartbeat-loss close. Used to pick the process exit code.
func (l *Liveness) HandshakeExhausted() bool {
	return l.selfClose && !l.peerOnline && l.handShakeTimes > l.tun.MaxHandShakeTimes
}

// NeedWavehandSend reports whether a pending shutdown is waiting to send
// its WAVEHAND.
func (l *Liveness) NeedWavehandSend() bool { return l.selfPreClose && !l.selfClose }

// SendWavehandAndClose sends WAVEHAND and marks the tunnel closed.
func (l *Liveness) SendWavehandAndClose() {
	l.tx(wire.MtypeWavehand)
	l.selfClose = true
}

// OnWavehand handles an inbound WAVEHAND: the peer is closing, so this
// side closes immediately too.
func (l *Liveness) OnWavehand() {
	l.selfClose = true
}
