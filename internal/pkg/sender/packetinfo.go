package sender

import (
	"sort"
	"time"
)

// PacketInfo records the bookkeeping kept for one sent packet: when it
// was sent, how many packets of the other type had gone out by then, and
// the delivery/RTT-fencing state in effect at send time. Looked up again
// when the matching ACK arrives.
type PacketInfo struct {
	PktID             int32
	SendTime          time.Time
	AnotherPktNum     int32
	DeliveredAsOfSend int32
	FirstSentTime     time.Time
	DeliveredTime     time.Time
}

// packetInfoQueue is one of the two sorted arrays (source, repair) behind
// PacketInfoQueue. Find does a binary search and, on a hit, discards the
// matched entry and every entry with a smaller id — the queue only ever
// looks forward.
type packetInfoQueue struct {
	entries []PacketInfo
}

func (q *packetInfoQueue) add(info PacketInfo) {
	q.entries = append(q.entries, info)
}

func (q *packetInfoQueue) find(id int32) (PacketInfo, bool) {
	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].PktID >= id })
	if i >= len(q.entries) || q.entries[i].PktID != id {
		return PacketInfo{}, false
	}
	info := q.entries[i]
	q.entries = q.entries[i+1:]
	return info, true
}

// PacketInfoQueue is the two-array sent-packet ledger of spec.md §3: one
// sorted array per packet type, looked up by id when an ACK arrives.
type PacketInfoQueue struct {
	source packetInfoQueue
	repair packetInfoQueue
}

// AddSource records a sent source packet.
func (q *PacketInfoQueue) AddSource(info PacketInfo) { q.source.add(info) }

// AddRepair records a sent repair packet.
func (q *PacketInfoQueue) AddRepair(info PacketInfo) { q.repair.add(info) }

// FindSource looks up a source packet by id, discarding it and smaller ids.
func (q *PacketInfoQueue) FindSource(id int32) (PacketInfo, bool) { return q.source.find(id) }

// FindRepair looks up a repair packet by id, discarding it and smaller ids.
func (q *PacketInfoQueue) FindRepair(id int32) (PacketInfo, bool) { return q.repair.find(id) }
