// Package sender implements the sender-side transport state machine:
// encoder feed, pacing, congestion window, repair-packet scheduler, the
// active bandwidth probe, and ACK processing. Grounded field-for-field on
// original_source/pep.py's pepApp sender methods (SendDataPackets,
// TimeToSendRepairPacket, RecvDataAck/onAck, UpdateCwnd, probe logic).
package sender

import (
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/streamcode"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// Transmit sends one fully wire-framed packet to the peer over the UDP
// tunnel. The Sender never owns the socket itself — it hands framed
// bytes to whatever fan-in the caller wires up (the tunnel event loop's
// UDP channel), matching spec.md §5's "one thread touches the socket".
type Transmit func(body []byte, mtype byte)

// Sender is the per-tunnel outgoing transport state machine.
type Sender struct {
	tun config.Tunables
	enc *streamcode.Encoder
	tx  Transmit
	rng *rand.Rand

	constBw      float64 // 0 means unset
	maxAllowedBw float64 // 0 means unset
	useJersey    bool

	currentMaxSourceID int32
	lastSentSourceID   int32
	lastSentRepairID   int32
	sentSourceCount    int32
	sentRepairCount    int32

	lastSentSourceTime       time.Time
	lastSentRepairTime       time.Time
	newDataIdleState         bool
	idleStateChangeTime      time.Time
	numSentRepairAfterIdle   int
	numSentRepairExcludeIdle int
	idleCanSendRepairCount   int
	duplicatedInorder        bool
	lastStuckInorder         int32
	numSentRepairAfterStuck  int

	lastAckedSourceID       int32
	lastAckedRepairID       int32
	lastAckedInorderID      int32
	lastAckedSourceNum      int32
	lastAckedRepairNum      int32
	lastAckedPacketSentTime time.Time

	packetsInFlight    float64
	cwnd               int
	initCwnd           int
	pacing             bool
	pacingRate         float64 // bytes/sec
	pacingTimer        time.Duration
	lastPacketSentTime time.Time

	rtt             float64 // seconds
	rttMin          float64
	lastDecSuccTime time.Time
	lossRate        float64

	estBw             float64 // pkts/sec
	estBwMax          float64
	maxBwFilter       *MaxBwFilter
	lastAckTime       time.Time
	haveLastAckTime   bool
	lastFirstSentTime time.Time

	pktInfoQueue PacketInfoQueue

	lastBurstTime time.Time

	activeProbeBw        bool
	lastProbedTime       time.Time
	probeBw              float64
	probePacketSentTimes []time.Time
}

// New creates a Sender. cfg supplies the bandwidth-estimation method and
// caps taken from the CLI; tun supplies every other tunable.
func New(tun config.Tunables, cfg config.Flags, enc *streamcode.Encoder, tx Transmit) *Sender {
	s := &Sender{
		tun:            tun,
		enc:            enc,
		tx:             tx,
		rng:            rand.New(rand.NewSource(1)),
		useJersey:          cfg.BwEstMethod != config.BwEstBBR,
		maxAllowedBw:       cfg.MaxBwPacketsPerSec(tun.PacingGain),
		constBw:            cfg.ConstBwPacketsPerSec(),
		lastSentSourceID:   -1,
		lastSentRepairID:   -1,
		lastStuckInorder:   -1,
		currentMaxSourceID: -1,
		lastAckedSourceID:  -1,
		lastAckedRepairID:  -1,
		lastAckedInorderID: -1,
		rttMin:             math.Inf(1),
		cwnd:               tun.InitCwnd,
		initCwnd:           tun.InitCwnd,
		pacingRate:         5 * 1024 * 1024,
		maxBwFilter:        NewMaxBwFilter(tun.BwWindowPeriod),
		activeProbeBw:      !cfg.DeactivateProbeBw,
	}
	return s
}

// EnqueueTCPBytes chunks data at MsgDataMaxLength and feeds each chunk to
// the encoder as a TCP_RAW_DATA source packet.
func (s *Sender) EnqueueTCPBytes(neighbor, remote *net.TCPAddr, data []byte) error {
	for off := 0; off < len(data); off += wire.MsgDataMaxLength {
		end := off + wire.MsgDataMaxLength
		if end > len(data) {
			end = len(data)
		}
		if err := s.enqueue(wire.MsgTCPRawData, neighbor, remote, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueSignal enqueues a single non-data inner message (REMOTE_REQUEST,
// REMOTE_EXIST, REMOTE_NOT_EXIST, REMOTE_EXIT).
func (s *Sender) EnqueueSignal(msg uint16, neighbor, remote *net.TCPAddr, body []byte) error {
	return s.enqueue(msg, neighbor, remote, body)
}

func (s *Sender) enqueue(msg uint16, neighbor, remote *net.TCPAddr, body []byte) error {
	payload := wire.SCPayload{Msg: msg, MsgData: body, SrcAddr: neighbor, DstAddr: remote}
	packed, err := payload.Packed()
	if err != nil {
		return errors.Wrap(err, "sender: packing SCPayload")
	}
	if _, err := s.enc.EnqueuePacket(packed); err != nil {
		return errors.Wrap(err, "sender: enqueueing to encoder")
	}
	s.currentMaxSourceID++
	return nil
}

// HasUnackedWork reports whether there is encoded data still owed an ACK
// — the condition the event loop uses to decide whether the UDP channel
// needs POLLOUT for data transmission.
func (s *Sender) HasUnackedWork() bool {
	return float64(s.cwnd) > s.packetsInFlight && s.lastAckedInorderID < s.currentMaxSourceID
}

// Idle reports whether every enqueued source id has gone out at least
// once and no ACK is owed — the gate on active bandwidth probing.
func (s *Sender) Idle() bool {
	return s.currentMaxSourceID == -1 || s.lastAckedInorderID == s.currentMaxSourceID
}

// BufferRemain is MaxBufferQueueLength minus the number of enqueued-but-
// not-yet-sent source packets, used as the channel poller's admission
// control input.
func (s *Sender) BufferRemain() int {
	return s.tun.MaxBufferQueueLength - int(s.currentMaxSourceID-s.lastSentSourceID)
}

// TCPAvailableBw is the bits/sec bound the ChannelSet throttles TCP reads
// to, derived from the currently estimated tunnel capacity.
func (s *Sender) TCPAvailableBw() float64 {
	availBw := s.constBw
	if availBw == 0 {
		availBw = s.estBwMax
	}
	if availBw == 0 {
		return 5 * 1024 * 1024
	}
	return (1 - s.lossRate - s.tun.ExtraRepairRate) * availBw * wire.MsgDataMaxLength * 8
}

// Tick emits as many packets as cwnd and pacing currently permit.
func (s *Sender) Tick(now time.Time) {
	for float64(s.cwnd) > s.packetsInFlight {
		if s.pacing && s.cwnd != s.initCwnd {
			remain := s.pacingTimer - now.Sub(s.lastPacketSentTime)
			if remain > 0 {
				return
			}
			s.pacingTimer = 0
		}

		pkt, isRepair, ok := s.pickPacket(now)
		if !ok {
			return
		}

		body := pkt.Packed()
		s.tx(body, wire.MtypeSCProtectedPkt)
		s.lastPacketSentTime = now

		if isRepair {
			s.pktInfoQueue.AddRepair(PacketInfo{
				PktID: pkt.RepairID, SendTime: now, AnotherPktNum: s.sentSourceCount,
				DeliveredAsOfSend: s.lastAckedSourceNum + s.lastAckedRepairNum,
				FirstSentTime:     s.lastFirstSentTime, DeliveredTime: s.lastAckTime,
			})
			s.lastSentRepairID = pkt.RepairID
			s.sentRepairCount++
			s.lastSentRepairTime = now
		} else {
			s.pktInfoQueue.AddSource(PacketInfo{
				PktID: pkt.SourceID, SendTime: now, AnotherPktNum: s.sentRepairCount,
				DeliveredAsOfSend: s.lastAckedSourceNum + s.lastAckedRepairNum,
				FirstSentTime:     s.lastFirstSentTime, DeliveredTime: s.lastAckTime,
			})
			s.lastSentSourceID = pkt.SourceID
			s.sentSourceCount++
			s.lastSentSourceTime = now
		}

		s.packetsInFlight++

		if s.pacing && s.pacingTimer == 0 {
			s.pacingTimer = time.Duration(float64(wire.ScPacketSize) / s.pacingRate * float64(time.Second))
			return
		}
	}
}

func (s *Sender) pickPacket(now time.Time) (streamcode.Packet, bool, bool) {
	if s.timeToSendRepair(now) {
		var pkt streamcode.Packet
		var err error
		if s.rng.Float64() < 0.95 {
			pkt, err = s.enc.OutputRepairPacketShort(128)
		} else {
			pkt, err = s.enc.OutputRepairPacket()
		}
		if err != nil {
			return streamcode.Packet{}, false, false
		}
		return pkt, true, true
	}
	if s.lastSentSourceID < s.currentMaxSourceID {
		pkt, err := s.enc.OutputSourcePacket(s.lastSentSourceID + 1)
		if err != nil {
			return streamcode.Packet{}, false, false
		}
		return pkt, false, true
	}
	return streamcode.Packet{}, false, false
}

// timeToSendRepair implements TimeToSendRepairPacket verbatim.
func (s *Sender) timeToSendRepair(now time.Time) bool {
	idle := s.lastSentSourceID == s.currentMaxSourceID
	if idle {
		if !s.newDataIdleState {
			s.idleStateChangeTime = now
		}
		s.newDataIdleState = true
	} else {
		if s.newDataIdleState {
			s.idleStateChangeTime = now
		}
		s.numSentRepairAfterIdle = 0
		s.idleCanSendRepairCount = 0
		s.newDataIdleState = false
	}

	if s.duplicatedInorder {
		if s.numSentRepairAfterStuck < 2 {
			s.numSentRepairAfterStuck++
			return true
		}
		s.duplicatedInorder = false
		s.numSentRepairAfterStuck = 0
	}

	if s.newDataIdleState {
		if s.numSentRepairAfterIdle < 1 {
			s.idleCanSendRepairCount++
			want := int(math.Round(1 / (s.lossRate + s.tun.ExtraRepairRate)))
			if s.idleCanSendRepairCount == want {
				s.numSentRepairAfterIdle++
				return true
			}
		}
		last := s.lastSentSourceTime
		if s.lastSentRepairTime.After(last) {
			last = s.lastSentRepairTime
		}
		if now.Sub(last).Seconds() >= s.rttMin {
			return true
		}
		return false
	}

	targetFreq := s.lossRate + s.tun.ExtraRepairRate
	currentFreq := 1.0
	if s.lastSentSourceID >= 0 {
		currentFreq = float64(s.numSentRepairExcludeIdle) / float64(s.lastSentSourceID+1+int32(s.numSentRepairExcludeIdle))
	}
	if currentFreq < targetFreq && s.enc.Headsid() < s.enc.Nextsid()-1 {
		s.numSentRepairExcludeIdle++
		return true
	}
	return false
}

// OnAck processes one InorderAck: estimator updates, cwnd/pacing update,
// and the encoder flush-acked signal.
func (s *Sender) OnAck(ack wire.InorderAck, now time.Time) {
	if ack.Inorder == s.lastAckedInorderID && ack.NSource == s.lastAckedSourceNum && ack.NRepair == s.lastAckedRepairNum {
		return
	}
	if ack.Inorder < s.lastAckedInorderID || ack.NSource < s.lastAckedSourceNum || ack.NRepair < s.lastAckedRepairNum {
		return
	}

	if s.lastAckedInorderID == ack.Inorder && s.lastStuckInorder != ack.Inorder && ack.LatestRecvPktType == wire.PacketInfoSource {
		s.duplicatedInorder = true
		s.lastStuckInorder = ack.Inorder
	}

	var info PacketInfo
	var ok bool
	var latestRecvPktID int32
	sourceSentCount, repairSentCount := int32(0), int32(0)
	if ack.LatestRecvPktType == wire.PacketInfoSource {
		latestRecvPktID = ack.LatestRecvSourceID
		info, ok = s.pktInfoQueue.FindSource(latestRecvPktID)
		sourceSentCount = latestRecvPktID + 1
	} else {
		latestRecvPktID = ack.LatestRecvRepairID
		info, ok = s.pktInfoQueue.FindRepair(latestRecvPktID)
		repairSentCount = latestRecvPktID + 1
	}
	if !ok {
		return
	}
	if ack.LatestRecvPktType == wire.PacketInfoSource {
		repairSentCount = info.AnotherPktNum
	} else {
		sourceSentCount = info.AnotherPktNum
	}

	if s.useJersey {
		if !s.haveLastAckTime {
			s.haveLastAckTime = true
			s.lastAckTime = now
		} else {
			numAcked := ack.NSource + ack.NRepair - s.lastAckedSourceNum - s.lastAckedRepairNum
			ackInterval := now.Sub(s.lastAckTime).Seconds()
			s.estBw = (s.rtt*s.estBw + float64(numAcked)) / (ackInterval + s.rtt)
			s.maxBwFilter.Insert(now, s.estBw)
		}
	} else {
		delivered := float64(ack.NSource+ack.NRepair) - float64(info.DeliveredAsOfSend)
		ackElapsed := now.Sub(info.DeliveredTime).Seconds()
		sendElapsed := info.SendTime.Sub(info.FirstSentTime).Seconds()
		elapsed := ackElapsed
		if sendElapsed > elapsed {
			elapsed = sendElapsed
		}
		if elapsed > 0 {
			s.estBw = delivered / elapsed
			s.maxBwFilter.Insert(now, s.estBw)
		}
	}

	s.lastAckTime = now
	s.haveLastAckTime = true
	s.lastFirstSentTime = info.SendTime
	s.lastAckedPacketSentTime = info.SendTime

	s.lastAckedInorderID = ack.Inorder
	s.lastAckedSourceNum = ack.NSource
	s.lastAckedRepairNum = ack.NRepair

	if info.SendTime.After(s.lastDecSuccTime) || info.SendTime.Equal(s.lastDecSuccTime) {
		s.rttEstimation(now, info.SendTime)
	}

	totalSent := sourceSentCount + repairSentCount
	totalLoss := totalSent - (ack.NSource + ack.NRepair)
	s.peEstimation(totalLoss, totalSent)

	s.lastAckedSourceID = ack.LatestRecvSourceID
	s.lastAckedRepairID = ack.LatestRecvRepairID
	s.packetsInFlight = float64(s.lastSentSourceID-s.lastAckedSourceID+s.lastSentRepairID-s.lastAckedRepairID) * (1 - s.lossRate)
	if s.packetsInFlight < 0 {
		s.packetsInFlight = 0
	}
	s.updateCwnd()

	if ack.Inorder >= 0 && ack.Inorder < s.currentMaxSourceID {
		s.enc.FlushAckedPackets(ack.Inorder)
	}
}

func (s *Sender) rttEstimation(receiveTime, sendTime time.Time) {
	if sendTime.IsZero() {
		return
	}
	const alpha = 0.9
	newRtt := receiveTime.Sub(sendTime).Seconds()
	if s.rtt == 0 {
		s.rtt = newRtt
		s.rttMin = newRtt
	} else {
		s.rtt = alpha*s.rtt + (1-alpha)*newRtt
		if newRtt < s.rttMin {
			s.rttMin = newRtt
		}
	}
}

func (s *Sender) peEstimation(totalLoss, totalSent int32) {
	if totalSent <= 0 {
		return
	}
	const alpha = 0.9
	newLossRate := float64(totalLoss) / float64(totalSent)
	if s.lossRate == 0 {
		s.lossRate = newLossRate
	} else {
		s.lossRate = s.lossRate*alpha + newLossRate*(1-alpha)
	}
}

// updateCwnd implements UpdateCwnd verbatim.
func (s *Sender) updateCwnd() {
	if s.maxBwFilter.IsEmpty() {
		s.estBwMax = s.probeBw * 0.8
	} else {
		s.estBwMax = s.maxBwFilter.Max()
	}

	var preset float64
	switch {
	case s.constBw != 0:
		preset = s.constBw * s.rttMin * s.tun.CwndGain
	case s.maxAllowedBw != 0:
		bw := s.maxAllowedBw
		if s.estBwMax < bw {
			bw = s.estBwMax
		}
		preset = bw * s.rttMin * s.tun.CwndGain
	default:
		preset = s.estBwMax * s.rttMin * s.tun.CwndGain
	}
	s.cwnd = int(math.Floor(math.Max(10, preset)))
	s.pacing = s.cwnd > 10

	if s.pacing && float64(s.cwnd) > s.packetsInFlight {
		if s.constBw != 0 {
			s.pacingRate = s.constBw * wire.ScPacketSize
		} else {
			s.pacingRate = s.estBwMax * wire.ScPacketSize * s.tun.PacingGain
		}
	}
}

// HandleDecodeSuccess fences RTT sampling from ACKs that arrive after a
// successful decode, per spec.md §5.
func (s *Sender) HandleDecodeSuccess(body []byte) {
	secs, err := strconv.ParseFloat(string(body), 64)
	if err != nil {
		return
	}
	s.lastDecSuccTime = time.Unix(0, int64(secs*float64(time.Second)))
}

// HandleAdvertiseBurst records the receiver's burst notice by updating
// lastBurstTime; the caller does the logging. Per spec.md §9's closed
// Open Question, it never changes cwnd/pacing.
func (s *Sender) HandleAdvertiseBurst(now time.Time) {
	s.lastBurstTime = now
}

// ShouldProbe reports whether the active bandwidth probe should fire:
// idle, and ProbeInterval elapsed since the last probe or data send.
func (s *Sender) ShouldProbe(now time.Time) bool {
	if !s.activeProbeBw || !s.Idle() {
		return false
	}
	last := s.lastProbedTime
	if s.lastSentSourceTime.After(last) {
		last = s.lastSentSourceTime
	}
	if s.lastSentRepairTime.After(last) {
		last = s.lastSentRepairTime
	}
	return now.Sub(last) >= s.tun.ProbeInterval
}

// SendProbeTrain emits ProbeTrainLength back-to-back PROBE packets.
func (s *Sender) SendProbeTrain(now time.Time) {
	s.probeBw = 0
	s.probePacketSentTimes = make([]time.Time, 0, s.tun.ProbeTrainLength)

	for id := 0; id < s.tun.ProbeTrainLength; id++ {
		idStr := strconv.Itoa(id)
		fillLen := wire.ProbePacketSize - 3 - len(idStr)
		if fillLen < 0 {
			fillLen = 0
		}
		body := make([]byte, 0, len(idStr)+fillLen)
		body = append(body, idStr...)
		for i := 0; i < fillLen; i++ {
			body = append(body, ' ')
		}
		s.tx(body, wire.MtypeProbe)
		s.probePacketSentTimes = append(s.probePacketSentTimes, now)
	}
	s.lastProbedTime = now
}

// HandleProbeAck processes one PROBE_ACK, estimating RTT from the
// individual echo and, on the train's final id, the probe bandwidth from
// train dispersion.
func (s *Sender) HandleProbeAck(body []byte, now time.Time) {
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil || id < 0 || id >= len(s.probePacketSentTimes) {
		return
	}
	s.rttEstimation(now, s.probePacketSentTimes[id])

	if id == s.tun.ProbeTrainLength-1 && len(fields) > 1 {
		dispersion, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || dispersion <= 0 {
			return
		}
		const alpha = 0.9
		instant := float64(s.tun.ProbeTrainLength-1) / dispersion * float64(wire.ProbePacketSize) / float64(wire.ScPacketSize)
		if s.probeBw == 0 {
			s.probeBw = instant
		} else {
			s.probeBw = alpha*s.probeBw + (1-alpha)*instant
		}
		s.estBw = s.probeBw * 0.8
		s.maxBwFilter.Insert(now, s.estBw)
		s.updateCwnd()
	}
}

// SeedProbeBackoff backdates lastProbedTime by backoff, so a freshly
// established tunnel doesn't immediately fire a bandwidth probe train.
func (s *Sender) SeedProbeBackoff(now time.Time, backoff time.Duration) {
	s.lastProbedTime = now.Add(-backoff)
}

// Cwnd, RTT, RTTMin, LossRate, EstBwMax and PacketsInFlight expose
// estimator state for the -d detail snapshot and for tests.
func (s *Sender) Cwnd() int                { return s.cwnd }
func (s *Sender) RTT() float64             { return s.rtt }
func (s *Sender) RTTMin() float64          { return s.rttMin }
func (s *Sender) LossRate() float64        { return s.lossRate }
func (s *Sender) EstBwMax() float64        { return s.estBwMax }
func (s *Sender) PacketsInFlight() float64 { return s.packetsInFlight }
func (s *Sender) LastAckedInorder() int32  { return s.lastAckedInorderID }
