// Package broker implements the connection broker of spec.md §4.5: the
// 4-tuple keyed tables that pair an intercepted TCP socket with its
// tunnel-backed channel and track the byte counts that decide when a
// drained channel may close. Grounded on original_source/pep.py's
// InterceptTcpConnection/closeAt bookkeeping and the teacher's
// internal/pkg/nat (SO_ORIGINAL_DST) and pkg/connpool/connid.go (4-tuple
// key type) packages.
package broker

import "net"

// ConnKey is the 4-tuple identity of one TCP flow, from one PEP node's
// point of view: neighbor is this node's local endpoint, remote is the
// real peer across the intercepted connection.
type ConnKey struct {
	NeighborIP   string
	NeighborPort int
	RemoteIP     string
	RemotePort   int
}

// KeyFor builds a ConnKey from a (neighbor, remote) address pair.
func KeyFor(neighbor, remote *net.TCPAddr) ConnKey {
	return ConnKey{
		NeighborIP: neighbor.IP.String(), NeighborPort: neighbor.Port,
		RemoteIP: remote.IP.String(), RemotePort: remote.Port,
	}
}

// ConnectionRecord is the per-flow bookkeeping the broker keeps once a
// channel has been opened for a flow: the channel id, byte counters on
// both directions, and the closeAt threshold recorded once the peer
// announces REMOTE_EXIT.
type ConnectionRecord struct {
	Chid        int
	SentBytes   int
	RecvBytes   int
	CloseAt     int
	HaveCloseAt bool
}

// Broker owns the two maps of spec.md §4.5: waiting inbound TCP
// sockets keyed by the flow they're waiting on, and connection records
// keyed by the same flow once a channel exists.
type Broker struct {
	waiting map[ConnKey]int // chid of the locally-accepted socket's own channel, pending pairing
	records map[ConnKey]*ConnectionRecord
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{
		waiting: make(map[ConnKey]int),
		records: make(map[ConnKey]*ConnectionRecord),
	}
}

// RegisterWaiting stores the channel id of a newly-accepted inbound TCP
// socket awaiting a REMOTE_EXIST/REMOTE_NOT_EXIST reply from the peer.
func (b *Broker) RegisterWaiting(neighbor, remote *net.TCPAddr, chid int) {
	b.waiting[KeyFor(neighbor, remote)] = chid
}

// TakeWaiting removes and returns the waiting channel id for (neighbor,
// remote), if any.
func (b *Broker) TakeWaiting(neighbor, remote *net.TCPAddr) (int, bool) {
	key := KeyFor(neighbor, remote)
	chid, ok := b.waiting[key]
	if ok {
		delete(b.waiting, key)
	}
	return chid, ok
}

// RegisterConnection records a new channel for (neighbor, remote), with
// both byte counters reset to zero.
func (b *Broker) RegisterConnection(neighbor, remote *net.TCPAddr, chid int) {
	b.records[KeyFor(neighbor, remote)] = &ConnectionRecord{Chid: chid}
}

// Record returns the connection record for (neighbor, remote), if any.
func (b *Broker) Record(neighbor, remote *net.TCPAddr) (*ConnectionRecord, bool) {
	rec, ok := b.records[KeyFor(neighbor, remote)]
	return rec, ok
}

// AddSentBytes accounts n bytes sent on (neighbor, remote)'s channel.
func (b *Broker) AddSentBytes(neighbor, remote *net.TCPAddr, n int) {
	if rec, ok := b.records[KeyFor(neighbor, remote)]; ok {
		rec.SentBytes += n
	}
}

// AddRecvBytes accounts n bytes received on (neighbor, remote)'s channel,
// returning the new running total.
func (b *Broker) AddRecvBytes(neighbor, remote *net.TCPAddr, n int) int {
	rec, ok := b.records[KeyFor(neighbor, remote)]
	if !ok {
		return 0
	}
	rec.RecvBytes += n
	return rec.RecvBytes
}

// SetCloseAt records the byte count at which (neighbor, remote)'s channel
// should close, once RecvBytes reaches it — set upon receiving the
// peer's REMOTE_EXIT announcement.
func (b *Broker) SetCloseAt(neighbor, remote *net.TCPAddr, n int) {
	if rec, ok := b.records[KeyFor(neighbor, remote)]; ok {
		rec.CloseAt = n
		rec.HaveCloseAt = true
	}
}

// Drained reports whether (neighbor, remote)'s channel has reached its
// recorded closeAt threshold.
func (b *Broker) Drained(neighbor, remote *net.TCPAddr) bool {
	rec, ok := b.records[KeyFor(neighbor, remote)]
	return ok && rec.HaveCloseAt && rec.RecvBytes == rec.CloseAt
}

// Remove drops the connection record for (neighbor, remote).
func (b *Broker) Remove(neighbor, remote *net.TCPAddr) {
	delete(b.records, KeyFor(neighbor, remote))
}

// TotalBytes sums SentBytes and RecvBytes across every tracked
// connection, for the process-level shutdown summary.
func (b *Broker) TotalBytes() (sent, recv int, count int) {
	for _, rec := range b.records {
		sent += rec.SentBytes
		recv += rec.RecvBytes
		count++
	}
	return sent, recv, count
}
