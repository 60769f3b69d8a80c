// Package tunnel is the event-loop orchestrator: it owns the ChannelSet,
// the UDP tunnel socket, and the sender/receiver/broker/liveness state
// machines, and drives them through one tick per poll(2) return.
// Grounded field-for-field on original_source/pep.py's Start().
package tunnel

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/yeliqseu/pepesc/internal/pkg/broker"
	"github.com/yeliqseu/pepesc/internal/pkg/channel"
	"github.com/yeliqseu/pepesc/internal/pkg/config"
	"github.com/yeliqseu/pepesc/internal/pkg/liveness"
	"github.com/yeliqseu/pepesc/internal/pkg/nat"
	"github.com/yeliqseu/pepesc/internal/pkg/receiver"
	"github.com/yeliqseu/pepesc/internal/pkg/sender"
	"github.com/yeliqseu/pepesc/internal/pkg/streamcode"
	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// udpRecvMaxLength bounds one inbound UDP datagram: the largest message
// the wire format ever carries is a coded SCProtectedPkt, header plus
// streamcode-serialized symbol.
const udpRecvMaxLength = 3 + streamcode.PackedSize(wire.SCPayloadPackedLength)

// Tunnel ties every per-tunnel state machine to the one UDP socket and
// TCP listener it drives.
type Tunnel struct {
	cfg config.Flags
	tun config.Tunables

	cs  *channel.ChannelSet
	enc *streamcode.Encoder
	dec *streamcode.Decoder
	snd *sender.Sender
	rcv *receiver.Receiver
	brk *broker.Broker
	liv *liveness.Liveness

	listenChid int
	udpChid    int

	nonce uuid.UUID

	detailTicker  time.Time
	totalSent     int
	totalRecv     int
	rejectedConns int
}

// New opens the TCP listener and UDP tunnel socket and wires every
// per-tunnel state machine together. now seeds the liveness clock.
func New(cfg config.Flags, tun config.Tunables, now time.Time) (*Tunnel, error) {
	t := &Tunnel{cfg: cfg, tun: tun, nonce: uuid.New()}

	listenFd, err := nat.ListenTransparent(cfg.SelfPort)
	if err != nil {
		return nil, errors.Wrap(err, "tunnel: listen")
	}
	udpFd, err := nat.OpenTunnelUDP(cfg.SelfIP, cfg.SelfPort, cfg.PeerIP, cfg.PeerPort)
	if err != nil {
		unix.Close(listenFd)
		return nil, errors.Wrap(err, "tunnel: udp socket")
	}

	t.cs = channel.NewChannelSet()
	t.listenChid = t.cs.OpenListener(listenFd)
	t.udpChid = t.cs.OpenUDP(udpFd)

	t.enc = streamcode.NewEncoder(wire.SCPayloadPackedLength)
	t.dec = streamcode.NewDecoder(wire.SCPayloadPackedLength)
	t.brk = broker.New()
	t.liv = liveness.New(tun, t.sendControl, now)
	t.snd = sender.New(tun, cfg, t.enc, t.sendData)
	t.rcv = receiver.New(tun, cfg, t.dec, t.sendData, t)

	return t, nil
}

func (t *Tunnel) sendControl(mtype byte) {
	var body []byte
	if mtype == wire.MtypeHandshake {
		body = []byte(t.nonce.String())
	}
	t.writeUDP(wire.Packet{Header: wire.Header{Mtype: mtype}, Body: body}.Packed())
}

func (t *Tunnel) sendData(body []byte, mtype byte) {
	t.writeUDP(wire.Packet{Header: wire.Header{Mtype: mtype}, Body: body}.Packed())
}

func (t *Tunnel) writeUDP(data []byte) {
	ch, ok := t.cs.Get(t.udpChid)
	if !ok {
		return
	}
	if _, err := unix.Write(ch.Fd, data); err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return
	}
}

// Run drives the cooperative event loop until the tunnel self-closes or
// ctx is cancelled. It returns non-nil only on an unrecoverable local
// error (e.g. poll(2) failing outright); a clean handshake/heartbeat/
// wavehand exhaustion returns nil.
func (t *Tunnel) Run(ctx context.Context) error {
	defer t.logShutdownSummary(ctx)

	for {
		select {
		case <-ctx.Done():
			t.liv.RequestShutdown()
		default:
		}

		if t.liv.SelfClose() {
			return nil
		}

		now := time.Now()
		udpEvents := t.wantedUDPEvents(now)

		tcpAvailableBw := t.snd.TCPAvailableBw()
		bufferRemain := t.snd.BufferRemain()

		readableTcp, reports, err := t.cs.Poll(tcpAvailableBw, bufferRemain, udpEvents, t.tun.RecvRateSafetyFactor)
		if err != nil {
			return errors.Wrap(err, "tunnel: poll")
		}

		if lch, ok := t.cs.Get(t.listenChid); ok && lch.Eventmask&channel.EventRead != 0 {
			t.interceptTCPConnection(ctx, lch.Fd)
		}

		sentSomething := false

		if uch, ok := t.cs.Get(t.udpChid); ok && uch.Eventmask&channel.EventRead != 0 {
			t.liv.RecordInboundActivity(now)
			t.readUDP(ctx, uch.Fd, now)
		}

		t.readTCPChannels(readableTcp)
		t.handlePollReports(ctx, reports)
		t.rcv.DeliverRecovered(now)

		now = time.Now()
		if uch, ok := t.cs.Get(t.udpChid); ok && uch.Eventmask&channel.EventWrite != 0 {
			if !t.liv.PeerOnline() {
				if t.liv.NeedHandshakeSend(now) {
					t.liv.SendHandshake(now)
					sentSomething = true
				}
			} else if t.liv.NeedWavehandSend() {
				t.liv.SendWavehandAndClose()
				sentSomething = true
			} else {
				if t.liv.NeedHeartbeatSend(now) {
					t.liv.SendHeartbeat(now)
					sentSomething = true
				}
				if t.snd.HasUnackedWork() {
					t.snd.Tick(now)
					sentSomething = true
				}
				if t.snd.ShouldProbe(now) {
					t.snd.SendProbeTrain(now)
					sentSomething = true
				}
			}
		}

		if sentSomething {
			t.liv.TouchHeartbeatFloor(now)
		}

		if t.cfg.Detail && now.Sub(t.detailTicker) >= t.tun.StatsInterval {
			t.detailTicker = now
			dlog.Debugf(ctx, "[stats] cwnd=%d rtt=%.3f rttMin=%.3f loss=%.3f estBwMax=%.1f inFlight=%.1f inorder=%d",
				t.snd.Cwnd(), t.snd.RTT(), t.snd.RTTMin(), t.snd.LossRate(), t.snd.EstBwMax(), t.snd.PacketsInFlight(), t.rcv.Inorder())
		}
	}
}

// wantedUDPEvents mirrors Start()'s udpPollEvents computation: POLLIN is
// always set, POLLOUT is added whenever something is due to go out.
func (t *Tunnel) wantedUDPEvents(now time.Time) int16 {
	events := channel.EventRead
	if !t.liv.PeerOnline() {
		if t.liv.NeedHandshakeSend(now) {
			events |= channel.EventWrite
		}
		return events
	}
	if t.liv.NeedWavehandSend() {
		events |= channel.EventWrite
		return events
	}
	if t.liv.NeedHeartbeatSend(now) || t.snd.HasUnackedWork() || t.snd.ShouldProbe(now) {
		events |= channel.EventWrite
	}
	return events
}

func (t *Tunnel) readUDP(ctx context.Context, fd int, now time.Time) {
	buf := make([]byte, udpRecvMaxLength)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				dlog.Warnf(ctx, "tunnel: udp read: %v", err)
			}
			return
		}
		if n == 0 {
			return
		}
		t.handleInboundUDP(ctx, buf[:n], now)
	}
}

func (t *Tunnel) handleInboundUDP(ctx context.Context, raw []byte, now time.Time) {
	pkt, err := wire.ParsePacket(raw)
	if err != nil {
		dlog.Warnf(ctx, "tunnel: malformed packet: %v", err)
		return
	}

	switch pkt.Header.Mtype {
	case wire.MtypeHandshake:
		if len(pkt.Body) > 0 {
			if peerNonce, err := uuid.ParseBytes(pkt.Body); err == nil {
				dlog.Infof(ctx, "peer session nonce %s", peerNonce)
			}
		}
		t.liv.OnHandshakeRequest()
	case wire.MtypeHandshakeAck:
		backoff := t.liv.OnHandshakeAck(t.tun.ProbeInterval)
		t.snd.SeedProbeBackoff(now, backoff)
		dlog.Infof(ctx, "connected to peer %s:%d", t.cfg.PeerIP, t.cfg.PeerPort)
	case wire.MtypeHeartbeat:
		t.liv.OnHeartbeatRequest()
	case wire.MtypeHeartbeatAck:
		// RecordInboundActivity already reset the heartbeat clock.
	case wire.MtypeWavehand:
		dlog.Infof(ctx, "peer closed the tunnel")
		t.liv.OnWavehand()
	case wire.MtypeSCProtectedPkt:
		t.rcv.HandleTunnelPacket(wire.MtypeSCProtectedPkt, pkt.Body, now)
	case wire.MtypeProbe:
		t.rcv.HandleTunnelPacket(wire.MtypeProbe, pkt.Body, now)
	case wire.MtypeSCDataAck:
		ack, err := wire.ParseInorderAck(pkt.Body)
		if err != nil {
			dlog.Warnf(ctx, "tunnel: malformed ack: %v", err)
			return
		}
		t.snd.OnAck(ack, now)
	case wire.MtypeProbeAck:
		t.snd.HandleProbeAck(pkt.Body, now)
	case wire.MtypeAdvertiseBurst:
		t.snd.HandleAdvertiseBurst(now)
		dlog.Debugf(ctx, "peer advertised a burst loss: %s", strings.TrimSpace(string(pkt.Body)))
	case wire.MtypeDecodeSuccess:
		t.snd.HandleDecodeSuccess(pkt.Body)
	}
}

func (t *Tunnel) readTCPChannels(readableChids []int) {
	for _, chid := range readableChids {
		ch, ok := t.cs.Get(chid)
		if !ok {
			continue
		}
		for {
			data := ch.Receive()
			if data == nil {
				break
			}
			if err := t.snd.EnqueueTCPBytes(ch.Neighbor, ch.Remote, data); err != nil {
				continue
			}
			t.brk.AddSentBytes(ch.Neighbor, ch.Remote, len(data))
		}
	}
}

func (t *Tunnel) handlePollReports(ctx context.Context, reports []channel.Report) {
	for _, r := range reports {
		switch r.Kind {
		case channel.ReportConnectSuccess:
			_ = t.snd.EnqueueSignal(wire.MsgRemoteExist, r.Neighbor, r.Remote, nil)
			dlog.Infof(ctx, "[TCP] connect success {%s -> %s}", r.Neighbor, r.Remote)
		case channel.ReportConnectFailed:
			_ = t.snd.EnqueueSignal(wire.MsgRemoteNotExist, r.Neighbor, r.Remote, nil)
			dlog.Infof(ctx, "[TCP] connect failed {%s -> %s}", r.Neighbor, r.Remote)
		case channel.ReportNeighborExit:
			rec, ok := t.brk.Record(r.Neighbor, r.Remote)
			if !ok {
				continue
			}
			_ = t.snd.EnqueueSignal(wire.MsgRemoteExit, r.Neighbor, r.Remote, []byte(strconv.Itoa(rec.SentBytes)))
			t.totalSent += rec.SentBytes
			t.totalRecv += rec.RecvBytes
			t.brk.Remove(r.Neighbor, r.Remote)
			dlog.Infof(ctx, "%s exited, notified peer (sent %d bytes)", r.Neighbor, rec.SentBytes)
		}
	}
}

func (t *Tunnel) interceptTCPConnection(ctx context.Context, listenerFd int) {
	fd, neighbor, err := nat.Accept(listenerFd)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			dlog.Warnf(ctx, "tunnel: accept: %v", err)
		}
		return
	}
	remote, err := nat.GetOriginalDst(fd)
	if err != nil {
		dlog.Warnf(ctx, "tunnel: SO_ORIGINAL_DST: %v", err)
		unix.Close(fd)
		t.rejectedConns++
		return
	}

	if !t.liv.PeerOnline() || t.liv.SelfPreClose() {
		unix.Close(fd)
		t.rejectedConns++
		return
	}

	chid, err := t.cs.OpenInbound(fd, neighbor, remote, t.tun.MaxWaitTime)
	if err != nil {
		dlog.Warnf(ctx, "tunnel: open inbound channel: %v", err)
		unix.Close(fd)
		t.rejectedConns++
		return
	}

	t.brk.RegisterWaiting(neighbor, remote, chid)
	_ = t.snd.EnqueueSignal(wire.MsgRemoteRequest, neighbor, remote, nil)
}

func (t *Tunnel) logShutdownSummary(ctx context.Context) {
	sent, recv, count := t.brk.TotalBytes()
	dlog.Infof(ctx, "shutdown: %d bytes sent, %d bytes received across %d still-open connections "+
		"(%d bytes sent, %d bytes received across closed connections); %d connections rejected",
		sent, recv, count, t.totalSent, t.totalRecv, t.rejectedConns)
}

// --- receiver.DeliveryHooks ---

// DeliverTCPData writes payload to the channel registered for (neighbor,
// remote).
func (t *Tunnel) DeliverTCPData(neighbor, remote *net.TCPAddr, payload []byte) (int, bool) {
	rec, ok := t.brk.Record(neighbor, remote)
	if !ok {
		return 0, false
	}
	ch, ok := t.cs.Get(rec.Chid)
	if !ok {
		return 0, false
	}
	ch.Send(payload)
	return t.brk.AddRecvBytes(neighbor, remote, len(payload)), true
}

// CloseIfDrained closes the channel for (neighbor, remote) once its recv
// byte count matches a previously recorded closeAt.
func (t *Tunnel) CloseIfDrained(neighbor, remote *net.TCPAddr) {
	rec, ok := t.brk.Record(neighbor, remote)
	if !ok || !t.brk.Drained(neighbor, remote) {
		return
	}
	t.cs.Close(rec.Chid)
	t.totalSent += rec.SentBytes
	t.totalRecv += rec.RecvBytes
	t.brk.Remove(neighbor, remote)
}

// HandleRemoteRequest opens an outbound channel toward neighbor (the
// original destination, this node's local endpoint) on behalf of the
// far-side remote and registers it with the broker.
func (t *Tunnel) HandleRemoteRequest(neighbor, remote *net.TCPAddr) {
	fd, inProgress, err := nat.DialOriginal(neighbor)
	if err != nil {
		return
	}
	chid, err := t.cs.OpenOutbound(fd, neighbor, remote, t.tun.MaxWaitTime, inProgress)
	if err != nil {
		unix.Close(fd)
		return
	}
	t.brk.RegisterConnection(neighbor, remote, chid)
	if !inProgress {
		_ = t.snd.EnqueueSignal(wire.MsgRemoteExist, neighbor, remote, nil)
	}
}

// HandleRemoteExist pairs a waiting inbound TCP socket with a new
// connection record, now that the peer has confirmed the real
// destination is reachable.
func (t *Tunnel) HandleRemoteExist(neighbor, remote *net.TCPAddr) {
	chid, ok := t.brk.TakeWaiting(neighbor, remote)
	if !ok {
		return
	}
	t.brk.RegisterConnection(neighbor, remote, chid)
}

// HandleRemoteNotExist closes the waiting inbound TCP socket: the peer
// could not reach the real destination.
func (t *Tunnel) HandleRemoteNotExist(neighbor, remote *net.TCPAddr) {
	chid, ok := t.brk.TakeWaiting(neighbor, remote)
	if !ok {
		return
	}
	t.cs.Close(chid)
}

// HandleRemoteExit records the peer's announced sent byte count, closing
// the local channel immediately if it has already received that many
// bytes, or deferring closure to CloseIfDrained otherwise.
func (t *Tunnel) HandleRemoteExit(neighbor, remote *net.TCPAddr, peerSentBytes int) {
	rec, ok := t.brk.Record(neighbor, remote)
	if !ok {
		return
	}
	t.brk.SetCloseAt(neighbor, remote, peerSentBytes)
	if rec.RecvBytes == peerSentBytes {
		t.cs.Close(rec.Chid)
		t.totalSent += rec.SentBytes
		t.totalRecv += rec.RecvBytes
		t.brk.Remove(neighbor, remote)
	}
}

// RequestShutdown begins a graceful shutdown: WAVEHAND if the tunnel is
// up, immediate close otherwise. Exposed for the CLI's signal handler.
func (t *Tunnel) RequestShutdown() { t.liv.RequestShutdown() }

// HandshakeExhausted reports whether Run returned because the peer never
// answered MaxHandShakeTimes handshakes, per end-to-end scenario 5.
func (t *Tunnel) HandshakeExhausted() bool { return t.liv.HandshakeExhausted() }
