// Package receiver implements the receiver-side transport state machine:
// decoder intake, burst detection, ACK throttling, and delivery of
// recovered payloads to the rest of the tunnel. Grounded field-for-field
// on original_source/pep.py's RecvDataPackets, HandleScPayloads, and
// RecvProbePacketAndSendProbeAck.
package receiver

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/streamcode"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// Transmit sends one fully wire-framed packet to the peer over the UDP
// tunnel.
type Transmit func(body []byte, mtype byte)

// DeliveryHooks is implemented by the tunnel orchestrator, which owns the
// channel table and connection broker the receiver needs to act on a
// recovered SCPayload. Keeping this as an interface lets the receiver
// stay ignorant of ChannelSet/Broker internals.
type DeliveryHooks interface {
	// DeliverTCPData writes payload to the channel registered for
	// (neighbor, remote), returning the channel's post-write recv byte
	// count and whether a matching channel exists.
	DeliverTCPData(neighbor, remote *net.TCPAddr, payload []byte) (recvBytes int, ok bool)
	// CloseIfDrained closes the channel for (neighbor, remote) if its
	// recv byte count has now reached a previously recorded closeAt.
	CloseIfDrained(neighbor, remote *net.TCPAddr)
	// HandleRemoteRequest opens an outbound channel to neighbor (the
	// original destination) on behalf of remote (REMOTE_REQUEST).
	HandleRemoteRequest(neighbor, remote *net.TCPAddr)
	// HandleRemoteExist pairs a waiting inbound TCP socket with the new
	// tunnel-backed channel (REMOTE_EXIST).
	HandleRemoteExist(neighbor, remote *net.TCPAddr)
	// HandleRemoteNotExist closes the waiting inbound TCP socket
	// (REMOTE_NOT_EXIST).
	HandleRemoteNotExist(neighbor, remote *net.TCPAddr)
	// HandleRemoteExit records or acts on the peer's announced sent
	// byte count for (neighbor, remote) (REMOTE_EXIT).
	HandleRemoteExit(neighbor, remote *net.TCPAddr, peerSentBytes int)
}

const maxDeliverPerCall = 10

// Receiver is the per-tunnel incoming transport state machine.
type Receiver struct {
	tun   config.Tunables
	cfg   config.Flags
	dec   *streamcode.Decoder
	tx    Transmit
	hooks DeliveryHooks

	inorderNext int32

	latestRecvSourceNum       int32
	latestRecvRepairNum       int32
	latestRecvPktType         int32
	lastRecvSourceID          int32
	lastRecvRepairID          int32
	numRecvSinceLastSourceAck int
	numLastAcked              int32

	inorderAckID        int32
	lastDataAckSendTime time.Time
	lastDecSuccTime     time.Time
	lastBurstTime       time.Time

	probeValidity        bool
	lastProbeArrivedID   int
	firstProbeArriveTime time.Time
}

// New creates a Receiver.
func New(tun config.Tunables, cfg config.Flags, dec *streamcode.Decoder, tx Transmit, hooks DeliveryHooks) *Receiver {
	return &Receiver{
		tun:                tun,
		cfg:                cfg,
		dec:                dec,
		tx:                 tx,
		hooks:              hooks,
		lastRecvSourceID:   -1,
		lastRecvRepairID:   -1,
		lastProbeArrivedID: -1,
	}
}

// HandleTunnelPacket dispatches one decoded PEP packet by message type.
// MtypeSCDataAck, MtypeProbeAck, MtypeAdvertiseBurst, and
// MtypeDecodeSuccess are not handled here: those are feedback the
// sender half of this same tunnel owns, and the caller routes them
// there directly instead.
func (r *Receiver) HandleTunnelPacket(mtype byte, body []byte, now time.Time) {
	switch mtype {
	case wire.MtypeSCProtectedPkt:
		r.handleSCProtectedPkt(body, now)
	case wire.MtypeProbe:
		r.handleProbe(body, now)
	}
}

func (r *Receiver) handleSCProtectedPkt(body []byte, now time.Time) {
	pkt, err := streamcode.ParsePacket(body, wire.SCPayloadPackedLength)
	if err != nil {
		return
	}

	outOfOrder := false
	if pkt.IsSource() {
		r.latestRecvSourceNum++
		r.numRecvSinceLastSourceAck++
		r.latestRecvPktType = wire.PacketInfoSource
		if pkt.SourceID <= r.dec.Inorder() || pkt.SourceID < r.dec.WinE() {
			outOfOrder = true
		}
	} else {
		r.latestRecvRepairNum++
		r.latestRecvPktType = wire.PacketInfoRepair
		if pkt.RepairID < r.lastRecvRepairID {
			outOfOrder = true
		}
	}

	oldActive, _ := r.dec.ReceivePacket(pkt)
	newActive := r.dec.Active()

	if oldActive && !newActive {
		r.lastDecSuccTime = now
		r.tx([]byte(strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64)), wire.MtypeDecodeSuccess)
	}

	if pkt.IsSource() {
		if pkt.SourceID-r.lastRecvSourceID > 9 {
			r.sendBurstAdvertisement(now, "SOURCE", pkt.SourceID-r.lastRecvSourceID)
		}
		r.lastRecvSourceID = pkt.SourceID
	} else {
		if pkt.RepairID-r.lastRecvRepairID > 9 {
			r.sendBurstAdvertisement(now, "REPAIR", pkt.RepairID-r.lastRecvRepairID)
		}
		r.lastRecvRepairID = pkt.RepairID
	}

	if !outOfOrder && r.latestRecvSourceNum+r.latestRecvRepairNum != r.numLastAcked {
		threshold := int32(1000)
		if !r.cfg.DeactivateProbeBw {
			threshold = int32(r.tun.InitCwnd)
		}
		if !pkt.IsSource() {
			r.sendDataAck(now)
		} else if r.numRecvSinceLastSourceAck >= r.tun.SourceAckInterval || pkt.SourceID < threshold {
			r.numRecvSinceLastSourceAck = 0
			r.sendDataAck(now)
		}
	}
}

func (r *Receiver) sendBurstAdvertisement(now time.Time, kind string, gap int32) {
	msg := strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64) + " " + kind + " " + strconv.Itoa(int(gap))
	r.tx([]byte(msg), wire.MtypeAdvertiseBurst)
	r.lastBurstTime = now
}

func (r *Receiver) sendDataAck(now time.Time) {
	ack := wire.InorderAck{
		AckID:              r.inorderAckID,
		Inorder:            r.dec.Inorder(),
		NSource:            r.latestRecvSourceNum,
		NRepair:            r.latestRecvRepairNum,
		LatestRecvPktType:  r.latestRecvPktType,
		LatestRecvSourceID: r.lastRecvSourceID,
		LatestRecvRepairID: r.lastRecvRepairID,
	}
	r.tx(ack.Packed(), wire.MtypeSCDataAck)
	r.inorderAckID++
	r.lastDataAckSendTime = now
	r.numLastAcked = r.latestRecvSourceNum + r.latestRecvRepairNum
}

// handleProbe implements RecvProbePacketAndSendProbeAck: echo each train
// id back, tracking contiguous arrival to decide whether the train is
// still valid for a bandwidth estimate.
func (r *Receiver) handleProbe(body []byte, now time.Time) {
	id, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return
	}
	if id == 0 {
		r.lastProbeArrivedID = 0
		r.probeValidity = true
		r.firstProbeArriveTime = now
	} else if id != r.lastProbeArrivedID+1 {
		r.lastProbeArrivedID = -1
		r.probeValidity = false
	} else {
		r.lastProbeArrivedID++
	}

	if !r.probeValidity {
		return
	}

	var message string
	if id == r.tun.ProbeTrainLength-1 {
		dispersion := now.Sub(r.firstProbeArriveTime).Seconds()
		message = strconv.Itoa(id) + " " + strconv.FormatFloat(dispersion, 'f', -1, 64)
	} else {
		message = strconv.Itoa(id)
	}
	r.tx([]byte(message), wire.MtypeProbeAck)
}

// DeliverRecovered drains up to maxDeliverPerCall consecutive recovered
// payloads starting at inorderNext, acting on each per its inner message
// kind.
func (r *Receiver) DeliverRecovered(now time.Time) {
	delivered := 0
	for r.dec.Inorder() >= r.inorderNext && delivered < maxDeliverPerCall {
		raw, ok := r.dec.Consume(r.inorderNext)
		r.inorderNext++
		delivered++
		if !ok {
			break
		}
		r.deliverOne(raw, now)
	}
}

func (r *Receiver) deliverOne(raw []byte, now time.Time) {
	payload, err := wire.ParseSCPayload(raw)
	if err != nil {
		return
	}
	neighbor, remote := payload.DstAddr, payload.SrcAddr

	switch payload.Msg {
	case wire.MsgTCPRawData:
		if _, ok := r.hooks.DeliverTCPData(neighbor, remote, payload.MsgData); ok {
			r.hooks.CloseIfDrained(neighbor, remote)
		}
	case wire.MsgRemoteRequest:
		r.hooks.HandleRemoteRequest(neighbor, remote)
	case wire.MsgRemoteExist:
		r.hooks.HandleRemoteExist(neighbor, remote)
	case wire.MsgRemoteNotExist:
		r.hooks.HandleRemoteNotExist(neighbor, remote)
	case wire.MsgRemoteExit:
		n, err := strconv.Atoi(strings.TrimSpace(string(payload.MsgData)))
		if err != nil {
			return
		}
		r.hooks.HandleRemoteExit(neighbor, remote, n)
	}
}

// Inorder exposes the decoder's inorder marker, for tests and stats.
func (r *Receiver) Inorder() int32 { return r.dec.Inorder() }

// LastDecSuccTime exposes the last DECODE_SUCCESS timestamp, consumed by
// the sender to fence RTT sampling.
func (r *Receiver) LastDecSuccTime() time.Time { return r.lastDecSuccTime }
