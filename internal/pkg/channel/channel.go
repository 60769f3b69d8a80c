// Package channel implements the ChannelSet + Poller: a unified
// readiness multiplexer over the TCP listener, the UDP tunnel socket,
// and every accepted/dialed TCP channel, each with its own send/recv
// queues and receive-rate throttling.
package channel

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/yeliqseu/pepesc/internal/pkg/wire"
)

// State is a channel's lifecycle state.
type State int

const (
	StatePreconn      State = -1
	StateNotConn      State = 0
	StateConnect      State = 1
	StatePartialClose State = 2
	StatePreclose     State = 3
	StateClose        State = 4
)

// Event mask bits, aliased onto the poll(2) constants they are sourced
// from.
const (
	EventRead  = int16(unix.POLLIN)
	EventWrite = int16(unix.POLLOUT)
	EventError = int16(unix.POLLERR)
)

// Report kinds returned from Poll, mirroring wire.Report*.
const (
	ReportConnectSuccess = wire.ReportConnectSuccess
	ReportConnectFailed  = wire.ReportConnectFailed
	ReportNeighborExit   = wire.ReportNeighborExit
)

// Buffer is a bytearray with an expected total length and a read/write
// cursor. A receive buffer starts at length MsgDataMaxLength; a send
// buffer's length is len(data).
type Buffer struct {
	Data   []byte
	Length int
	Pos    int
}

// NewRecvBuffer allocates an empty receive buffer capped at maxLen.
func NewRecvBuffer(maxLen int) *Buffer {
	return &Buffer{Data: make([]byte, 0, maxLen), Length: maxLen}
}

// NewSendBuffer wraps data for transmission.
func NewSendBuffer(data []byte) *Buffer {
	return &Buffer{Data: data, Length: len(data)}
}

type queue struct {
	bufs []*Buffer
}

func (q *queue) enqueue(b *Buffer)  { q.bufs = append(q.bufs, b) }
func (q *queue) dequeue() *Buffer   { b := q.bufs[0]; q.bufs = q.bufs[1:]; return b }
func (q *queue) first() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	return q.bufs[0]
}
func (q *queue) last() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	return q.bufs[len(q.bufs)-1]
}
func (q *queue) isEmpty() bool { return len(q.bufs) == 0 }
func (q *queue) size() int     { return len(q.bufs) }

// Channel is a uniform handle wrapping one of: the TCP listener socket,
// the UDP tunnel socket, or one accepted/dialed TCP byte stream.
type Channel struct {
	Chid           int
	Fd             int
	Neighbor       *net.TCPAddr
	Remote         *net.TCPAddr
	State          State
	Eventmask      int16
	LastDoRecvTime time.Time
	MaxWaitTime    time.Duration

	sendq *queue
	recvq *queue

	isListener bool
	isUDP      bool
}

// Send enqueues data for transmission on this channel.
func (c *Channel) Send(data []byte) {
	c.sendq.enqueue(NewSendBuffer(data))
}

// Receive dequeues the oldest receive buffer, full or partially filled,
// or returns nil if none is queued.
func (c *Channel) Receive() []byte {
	if !c.recvq.isEmpty() {
		return c.recvq.dequeue().Data
	}
	c.Eventmask &^= EventRead
	return nil
}

// SendQueueLen and RecvQueueLen expose queue depth for the
// sendq.size+recvq.size <= MaxBufferQueueLength invariant.
func (c *Channel) SendQueueLen() int { return c.sendq.size() }
func (c *Channel) RecvQueueLen() int { return c.recvq.size() }

func (c *Channel) doRecv(now time.Time) {
	if c.recvq.isEmpty() {
		c.recvq.enqueue(NewRecvBuffer(wire.MsgDataMaxLength))
	}
	last := c.recvq.last()
	if last.Length == last.Pos {
		c.Eventmask |= EventRead
		return
	}

	tmp := make([]byte, last.Length-last.Pos)
	n, err := unix.Read(c.Fd, tmp)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.Eventmask = EventError
		return
	}
	if n == 0 {
		if c.State == StatePartialClose {
			c.State = StatePreclose
		}
		return
	}

	last.Data = append(last.Data, tmp[:n]...)
	last.Pos += n

	if last.Length == last.Pos || now.Sub(c.LastDoRecvTime) >= c.MaxWaitTime {
		c.Eventmask |= EventRead
	}
	c.LastDoRecvTime = now
}

func (c *Channel) doSend() {
	if c.sendq.isEmpty() {
		return
	}
	head := c.sendq.first()
	n, err := unix.Write(c.Fd, head.Data[head.Pos:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		c.Eventmask = EventError
		return
	}
	head.Pos += n
	if head.Pos == head.Length {
		c.sendq.dequeue()
	}
}

// Report is one poll-cycle event the caller must act on.
type Report struct {
	Chid     int
	Kind     int
	Neighbor *net.TCPAddr
	Remote   *net.TCPAddr
}

// ChannelSet owns every Channel, the dense chid allocation, and the
// fd→chid lookup used to dispatch poll(2) results. This replaces the
// original's module-level globals (spec.md §9) with fields of one
// owned aggregate.
type ChannelSet struct {
	chans    map[int]*Channel
	fdToChid map[int]int

	tcpListenerFd int
	udpSocketFd   int
	tcpListenChid int
	udpChid       int
}

// NewChannelSet creates an empty ChannelSet.
func NewChannelSet() *ChannelSet {
	return &ChannelSet{
		chans:         make(map[int]*Channel),
		fdToChid:      make(map[int]int),
		tcpListenerFd: -1,
		udpSocketFd:   -1,
		tcpListenChid: -1,
		udpChid:       -1,
	}
}

func (cs *ChannelSet) findFreeChid() int {
	i := 0
	for {
		if _, used := cs.chans[i]; !used {
			return i
		}
		i++
	}
}

// OpenListener registers the TCP listener socket, polled for read only.
func (cs *ChannelSet) OpenListener(fd int) int {
	chid := cs.findFreeChid()
	cs.chans[chid] = &Channel{Chid: chid, Fd: fd, State: StateNotConn, isListener: true, sendq: &queue{}, recvq: &queue{}}
	cs.tcpListenerFd = fd
	cs.tcpListenChid = chid
	return chid
}

// OpenUDP registers the UDP tunnel socket.
func (cs *ChannelSet) OpenUDP(fd int) int {
	chid := cs.findFreeChid()
	cs.chans[chid] = &Channel{Chid: chid, Fd: fd, State: StateNotConn, isUDP: true, sendq: &queue{}, recvq: &queue{}}
	cs.udpSocketFd = fd
	cs.udpChid = chid
	return chid
}

// OpenInbound wraps an already-connected TCP socket (from accept).
func (cs *ChannelSet) OpenInbound(fd int, neighbor, remote *net.TCPAddr, maxWait time.Duration) (int, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, errors.Wrap(err, "channel: set nonblocking")
	}
	chid := cs.findFreeChid()
	cs.chans[chid] = &Channel{
		Chid: chid, Fd: fd, Neighbor: neighbor, Remote: remote,
		State: StateConnect, MaxWaitTime: maxWait, sendq: &queue{}, recvq: &queue{},
	}
	cs.fdToChid[fd] = chid
	return chid, nil
}

// OpenOutbound wraps a connecting or connected TCP socket (from dial).
// connInProgress indicates the connect(2) call returned EINPROGRESS,
// i.e. the channel starts in PRECONN until writability signals it
// completed.
func (cs *ChannelSet) OpenOutbound(fd int, neighbor, remote *net.TCPAddr, maxWait time.Duration, connInProgress bool) (int, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, errors.Wrap(err, "channel: set nonblocking")
	}
	chid := cs.findFreeChid()
	state := StateConnect
	if connInProgress {
		state = StatePreconn
	}
	cs.chans[chid] = &Channel{
		Chid: chid, Fd: fd, Neighbor: neighbor, Remote: remote,
		State: state, MaxWaitTime: maxWait, sendq: &queue{}, recvq: &queue{},
	}
	cs.fdToChid[fd] = chid
	return chid, nil
}

// Close unregisters chid, closes its socket, and drops it from every map.
func (cs *ChannelSet) Close(chid int) {
	ch, ok := cs.chans[chid]
	if !ok {
		return
	}
	if chid != cs.udpChid {
		delete(cs.fdToChid, ch.Fd)
	}
	unix.Close(ch.Fd)
	delete(cs.chans, chid)
}

// Get returns the channel for chid, if present.
func (cs *ChannelSet) Get(chid int) (*Channel, bool) {
	ch, ok := cs.chans[chid]
	return ch, ok
}

// Poll runs one tick: the sweep for closing channels, the poll(2) call,
// and per-fd event dispatch. tcpAvailableBw is in bits/sec.
func (cs *ChannelSet) Poll(tcpAvailableBw float64, bufferRemain int, udpEvents int16, safetyFactor float64) ([]int, []Report, error) {
	var readable []int
	var reports []Report

	for chid, ch := range cs.chans {
		if chid == cs.tcpListenChid {
			if ch.Eventmask == EventError {
				cs.Close(chid)
			}
			continue
		}
		if chid == cs.udpChid {
			if ch.Eventmask == EventError {
				cs.Close(chid)
			} else {
				ch.Eventmask = 0
			}
			continue
		}

		if ch.State == StatePreclose {
			if !ch.recvq.isEmpty() {
				ch.Eventmask |= EventRead
				readable = append(readable, chid)
			} else if ch.sendq.isEmpty() && ch.recvq.isEmpty() {
				ch.State = StateClose
			}
		}

		if ch.State == StateClose || ch.Eventmask == EventError {
			msg := -1
			switch ch.State {
			case StatePreconn:
				msg = ReportConnectFailed
			case StateConnect, StateClose:
				msg = ReportNeighborExit
			}
			if msg != -1 {
				reports = append(reports, Report{Chid: chid, Kind: msg, Neighbor: ch.Neighbor, Remote: ch.Remote})
			}
			cs.Close(chid)
			continue
		}

		ch.Eventmask = 0
	}

	fds := make([]unix.PollFd, 0, len(cs.chans))
	fdIndex := make(map[int]int, len(cs.chans))
	if cs.tcpListenerFd != -1 {
		fdIndex[cs.tcpListenerFd] = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(cs.tcpListenerFd), Events: unix.POLLIN})
	}
	if cs.udpSocketFd != -1 {
		fdIndex[cs.udpSocketFd] = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(cs.udpSocketFd), Events: udpEvents})
	}
	for chid, ch := range cs.chans {
		if chid == cs.tcpListenChid || chid == cs.udpChid {
			continue
		}
		fdIndex[ch.Fd] = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(ch.Fd), Events: unix.POLLIN | unix.POLLOUT | unix.POLLRDHUP})
	}

	_, err := unix.Poll(fds, 1)
	if err != nil && err != unix.EINTR {
		return readable, reports, errors.Wrap(err, "channel: poll")
	}

	readableTcpChannelNumber := 0
	for _, pfd := range fds {
		if int(pfd.Fd) == cs.tcpListenerFd || int(pfd.Fd) == cs.udpSocketFd {
			continue
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLRDHUP) != 0 {
			readableTcpChannelNumber++
		}
	}

	doRecvInterval := time.Duration(
		float64(wire.MsgDataMaxLength) * 8 / tcpAvailableBw * float64(readableTcpChannelNumber) / safetyFactor * float64(time.Second),
	)
	now := time.Now()

	for _, pfd := range fds {
		fd := int(pfd.Fd)
		revents := pfd.Revents
		if revents == 0 {
			continue
		}

		if fd == cs.tcpListenerFd {
			lch := cs.chans[cs.tcpListenChid]
			if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				lch.Eventmask = EventError
			}
			if revents&unix.POLLIN != 0 {
				lch.Eventmask |= EventRead
			}
			continue
		}
		if fd == cs.udpSocketFd {
			uch := cs.chans[cs.udpChid]
			if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				uch.Eventmask = EventError
			}
			if revents&unix.POLLIN != 0 {
				uch.Eventmask |= EventRead
			}
			if revents&unix.POLLOUT != 0 {
				uch.Eventmask |= EventWrite
			}
			continue
		}

		chid, ok := cs.fdToChid[fd]
		if !ok {
			continue
		}
		ch := cs.chans[chid]

		if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			ch.Eventmask = EventError
			continue
		}
		if revents&unix.POLLRDHUP != 0 && ch.State != StateClose {
			ch.State = StatePartialClose
		}

		if ch.State == StatePreconn {
			if revents&unix.POLLOUT != 0 {
				ch.State = StateConnect
				ch.Eventmask |= EventWrite
				reports = append(reports, Report{Chid: chid, Kind: ReportConnectSuccess, Neighbor: ch.Neighbor, Remote: ch.Remote})
			}
		} else {
			if revents&(unix.POLLIN|unix.POLLRDHUP) != 0 && now.Sub(ch.LastDoRecvTime) >= doRecvInterval && bufferRemain > 0 {
				ch.doRecv(now)
			}
			if !ch.sendq.isEmpty() && revents&unix.POLLOUT != 0 {
				ch.doSend()
			}
		}

		if now.Sub(ch.LastDoRecvTime) >= ch.MaxWaitTime && !ch.recvq.isEmpty() {
			ch.Eventmask |= EventRead
		}
		if ch.Eventmask&EventRead != 0 {
			readable = append(readable, chid)
		}
	}

	return readable, reports, nil
}
