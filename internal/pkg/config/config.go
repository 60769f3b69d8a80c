// Package config holds pepesc's tunable constants and runtime flags.
// Every tunable named in the external interface table is exposed both as
// a struct field with a sane default and as an environment variable via
// go-envconfig, so the Mininet-style test harness can override timing
// behavior without a rebuild.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// BwEstMethod selects the bandwidth estimator.
type BwEstMethod string

const (
	BwEstJersey BwEstMethod = "Jersey"
	BwEstBBR    BwEstMethod = "BBR"
)

// Tunables holds the defaults table from the external-interfaces section,
// each overridable via PEPESC_* environment variables.
type Tunables struct {
	HandShakeInterval    time.Duration `env:"PEPESC_HANDSHAKE_INTERVAL,default=3s"`
	MaxHandShakeTimes    int           `env:"PEPESC_MAX_HANDSHAKE_TIMES,default=10"`
	MaxHeartBeatWaitTime time.Duration `env:"PEPESC_MAX_HEARTBEAT_WAIT_TIME,default=10s"`
	HeartBeatInterval    time.Duration `env:"PEPESC_HEARTBEAT_INTERVAL,default=3s"`
	MaxHeartBeatTimes    int           `env:"PEPESC_MAX_HEARTBEAT_TIMES,default=3"`
	ExtraRepairRate      float64       `env:"PEPESC_EXTRA_REPAIR_RATE,default=0.02"`
	MaxBufferQueueLength int           `env:"PEPESC_MAX_BUFFER_QUEUE_LENGTH,default=100"`
	SourceAckInterval    int           `env:"PEPESC_SOURCE_ACK_INTERVAL,default=1"`
	CwndGain             float64       `env:"PEPESC_CWND_GAIN,default=1.0"`
	BwWindowPeriod       time.Duration `env:"PEPESC_BW_WINDOW_PERIOD,default=60s"`
	PacingGain           float64       `env:"PEPESC_PACING_GAIN,default=10"`
	ProbeInterval        time.Duration `env:"PEPESC_PROBE_INTERVAL,default=30s"`
	ProbeTrainLength     int           `env:"PEPESC_PROBE_TRAIN_LENGTH,default=6"`

	// RecvRateSafetyFactor is the unexplained "1.2" divisor in
	// doRecvInterval; named and made tunable per the spec's Open
	// Question rather than folded in as a literal.
	RecvRateSafetyFactor float64 `env:"PEPESC_RECV_RATE_SAFETY_FACTOR,default=1.2"`

	// StatsInterval governs how often -d prints a detail snapshot.
	StatsInterval time.Duration `env:"PEPESC_STATS_INTERVAL,default=5s"`

	// MaxWaitTime is the per-channel partial-receive flush deadline.
	MaxWaitTime time.Duration `env:"PEPESC_MAX_WAIT_TIME,default=15ms"`

	// InitCwnd is the startup congestion window, in packets: the
	// sender's cwnd until the first UpdateCwnd, the cwnd value at which
	// Tick skips pacing, and the receiver's "still in startup" ACK
	// threshold when active probing is enabled. UpdateCwnd's floor is a
	// fixed 10 packets, independent of InitCwnd.
	InitCwnd int `env:"PEPESC_INIT_CWND,default=10"`
}

// LoadTunables reads Tunables from the environment, defaults applied for
// anything unset.
func LoadTunables(ctx context.Context) (Tunables, error) {
	var t Tunables
	if err := envconfig.Process(ctx, &t); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

// Flags is the CLI-derived configuration: one PEP endpoint pointed at one
// peer.
type Flags struct {
	SelfIP            string
	SelfPort          int
	PeerIP            string
	PeerPort          int
	BwEstMethod       BwEstMethod
	DeactivateProbeBw bool
	MaxBwMbps         float64 // 0 means unset
	ConstBwMbps       float64 // 0 means unset
	Detail            bool
	LogLevel          string
}

// MaxBwPacketsPerSec converts --maxBw (Mbps) into the internal
// packets/sec bound compared against estBwMax, matching the original's
// conversion: Mbps → bits/sec → bytes/sec → packets/sec, additionally
// divided by PacingGain (the original applies this division here, not
// when computing estBwMax itself — kept bit-exact rather than "fixed",
// since cwnd is derived directly from whichever of the two bounds wins).
func (f Flags) MaxBwPacketsPerSec(pacingGain float64) float64 {
	if f.MaxBwMbps == 0 {
		return 0
	}
	return f.MaxBwMbps / pacingGain * 1024 * 1024 / (wire.ScPacketSize * 8)
}

// ConstBwPacketsPerSec converts --ConstBw (Mbps) into a fixed
// packets/sec sending rate; unlike MaxBwPacketsPerSec this is not
// divided by PacingGain, matching the original.
func (f Flags) ConstBwPacketsPerSec() float64 {
	if f.ConstBwMbps == 0 {
		return 0
	}
	return f.ConstBwMbps * 1024 * 1024 / (wire.ScPacketSize * 8)
}
