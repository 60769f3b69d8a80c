// Package streamcode implements the streaming network code described as
// an opaque external collaborator: a sliding coding window of source
// symbols, with repair symbols computed over the live window by a
// systematic Reed-Solomon code. Source packets are emitted verbatim
// (systematic); repair packets are parity shards recomputed against
// whatever source symbols are currently in the window, so the window can
// grow, shrink, and slide as packets are enqueued and later acked.
package streamcode

import (
	"encoding/binary"
	"sort"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// Packet is one coded packet emitted by the encoder or fed into the
// decoder: exactly one of SourceID/RepairID is >= 0, the other is -1.
type Packet struct {
	SourceID int32
	RepairID int32
	WinS     int32
	WinE     int32
	Symbol   []byte
}

// IsSource reports whether this packet carries a source symbol.
func (p Packet) IsSource() bool { return p.SourceID != -1 }

// headerFieldCount is the four int32 fields (sourceid, repairid, win_s,
// win_e) serialize_packet prepends to the coded symbol, per spec.md §6's
// ScPacketSize accounting.
const headerFieldCount = 4

// PackedSize is the on-wire size of one serialized coded packet for
// symbols of pktSize bytes (the streaming code's serialize_packet output,
// before the PEP header is added).
func PackedSize(pktSize int) int { return headerFieldCount*4 + pktSize }

// Packed serializes the packet the way the streaming-code library's
// serialize_packet does: four int32 header fields followed by the
// symbol, verbatim.
func (p Packet) Packed() []byte {
	out := make([]byte, headerFieldCount*4+len(p.Symbol))
	binary.LittleEndian.PutUint32(out[0:4], uint32(p.SourceID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(p.RepairID))
	binary.LittleEndian.PutUint32(out[8:12], uint32(p.WinS))
	binary.LittleEndian.PutUint32(out[12:16], uint32(p.WinE))
	copy(out[16:], p.Symbol)
	return out
}

// ParsePacket parses the wire form produced by Packed, for symbols of
// pktSize bytes (the streaming-code library's deserialize_packet).
func ParsePacket(data []byte, pktSize int) (Packet, error) {
	want := PackedSize(pktSize)
	if len(data) != want {
		return Packet{}, errors.Errorf("streamcode: packet length %d, want %d", len(data), want)
	}
	symbol := make([]byte, pktSize)
	copy(symbol, data[16:])
	return Packet{
		SourceID: int32(binary.LittleEndian.Uint32(data[0:4])),
		RepairID: int32(binary.LittleEndian.Uint32(data[4:8])),
		WinS:     int32(binary.LittleEndian.Uint32(data[8:12])),
		WinE:     int32(binary.LittleEndian.Uint32(data[12:16])),
		Symbol:   symbol,
	}, nil
}

type windowEntry struct {
	id   int32
	data []byte
}

// Encoder holds a sliding window of enqueued, not-yet-acked source
// symbols and assigns repair ids on demand.
type Encoder struct {
	pktSize int
	window  []windowEntry // sorted ascending by id
	headsid int32         // lowest id currently in the window, -1 if empty
	nextsid int32         // next source id to be enqueued
	nextrid int32         // next repair id to be emitted
}

// NewEncoder creates an encoder for symbols of pktSize bytes.
func NewEncoder(pktSize int) *Encoder {
	return &Encoder{pktSize: pktSize, headsid: -1, nextsid: 0, nextrid: 0}
}

// EnqueuePacket admits one source symbol at the next source id, returning
// that id.
func (e *Encoder) EnqueuePacket(data []byte) (int32, error) {
	if len(data) != e.pktSize {
		return -1, errors.Errorf("streamcode: symbol size %d, want %d", len(data), e.pktSize)
	}
	id := e.nextsid
	e.nextsid++
	buf := make([]byte, len(data))
	copy(buf, data)
	e.window = append(e.window, windowEntry{id: id, data: buf})
	if e.headsid == -1 {
		e.headsid = id
	}
	return id, nil
}

// Headsid is the lowest source id still held in the window, or Nextsid
// if the window is empty.
func (e *Encoder) Headsid() int32 {
	if e.headsid == -1 {
		return e.nextsid
	}
	return e.headsid
}

// Nextsid is the id the next EnqueuePacket call will assign.
func (e *Encoder) Nextsid() int32 { return e.nextsid }

// OutputSourcePacket returns the stored symbol for sourceid verbatim —
// systematic codes send source symbols uncoded.
func (e *Encoder) OutputSourcePacket(sourceid int32) (Packet, error) {
	entry, ok := e.find(sourceid)
	if !ok {
		return Packet{}, errors.Errorf("streamcode: source id %d not in window", sourceid)
	}
	winS, winE := e.windowBounds()
	return Packet{SourceID: sourceid, RepairID: -1, WinS: winS, WinE: winE, Symbol: entry.data}, nil
}

// OutputRepairPacket computes one parity shard over the entire live
// window.
func (e *Encoder) OutputRepairPacket() (Packet, error) {
	return e.outputRepair(len(e.window))
}

// OutputRepairPacketShort computes one parity shard over at most
// windowCap of the most recent source symbols in the window — the
// "short repair" used for the 0.95-probability branch in the sender's
// repair-packet decision.
func (e *Encoder) OutputRepairPacketShort(windowCap int) (Packet, error) {
	n := windowCap
	if n > len(e.window) {
		n = len(e.window)
	}
	return e.outputRepair(n)
}

func (e *Encoder) outputRepair(shardCount int) (Packet, error) {
	if shardCount == 0 {
		return Packet{}, errors.New("streamcode: cannot emit a repair packet over an empty window")
	}
	shards := make([][]byte, shardCount+1)
	start := len(e.window) - shardCount
	for i := 0; i < shardCount; i++ {
		shards[i] = e.window[start+i].data
	}
	shards[shardCount] = make([]byte, e.pktSize)

	enc, err := reedsolomon.New(shardCount, 1)
	if err != nil {
		return Packet{}, errors.Wrap(err, "streamcode: building repair encoder")
	}
	if err := enc.Encode(shards); err != nil {
		return Packet{}, errors.Wrap(err, "streamcode: encoding repair shard")
	}

	id := e.nextrid
	e.nextrid++
	winS := e.window[start].id
	winE := e.window[len(e.window)-1].id
	return Packet{SourceID: -1, RepairID: id, WinS: winS, WinE: winE, Symbol: shards[shardCount]}, nil
}

// FlushAckedPackets drops source symbols with id <= inorder from the
// window, since the decoder has confirmed in-order delivery up through
// inorder and no longer needs them reconstructed.
func (e *Encoder) FlushAckedPackets(inorder int32) {
	i := 0
	for ; i < len(e.window); i++ {
		if e.window[i].id > inorder {
			break
		}
	}
	e.window = e.window[i:]
	if len(e.window) == 0 {
		e.headsid = -1
	} else {
		e.headsid = e.window[0].id
	}
}

func (e *Encoder) find(id int32) (windowEntry, bool) {
	i := sort.Search(len(e.window), func(i int) bool { return e.window[i].id >= id })
	if i < len(e.window) && e.window[i].id == id {
		return e.window[i], true
	}
	return windowEntry{}, false
}

func (e *Encoder) windowBounds() (int32, int32) {
	if len(e.window) == 0 {
		return e.nextsid, e.nextsid
	}
	return e.window[0].id, e.window[len(e.window)-1].id
}

// decoded is one source symbol the decoder holds (received directly or
// reconstructed from repair packets).
type decoded struct {
	data      []byte
	recovered bool
}

// Decoder reassembles source symbols from a mix of source and repair
// packets arriving out of order.
type Decoder struct {
	pktSize int

	inorder int32 // largest id s.t. all ids <= it are known
	winS    int32
	winE    int32
	active  bool

	symbols map[int32]decoded
	repairs map[int32]Packet // keyed by repair id, retained for reconstruction until consumed

	// Recovered holds symbols ready for delivery, keyed by source id.
	Recovered map[int32][]byte
}

// NewDecoder creates a decoder for symbols of pktSize bytes.
func NewDecoder(pktSize int) *Decoder {
	return &Decoder{
		pktSize:   pktSize,
		inorder:   -1,
		symbols:   make(map[int32]decoded),
		repairs:   make(map[int32]Packet),
		Recovered: make(map[int32][]byte),
	}
}

// Inorder is the largest source id such that all source symbols with
// id <= it have been delivered in order.
func (d *Decoder) Inorder() int32 { return d.inorder }

// Active reports whether the decoder currently holds an incomplete
// coding window awaiting recovery.
func (d *Decoder) Active() bool { return d.active }

// WinS, WinE return the decoder's winS/winE fields. This decoder never
// assigns them, so both always return 0; the span a repair covers is
// carried on each Packet instead.
func (d *Decoder) WinS() int32 { return d.winS }
func (d *Decoder) WinE() int32 { return d.winE }

// ReceivePacket consumes one inbound coded packet, returning the decoder
// state before and after so the caller can detect an active→inactive
// transition (the DECODE_SUCCESS trigger in the receiver).
func (d *Decoder) ReceivePacket(pkt Packet) (oldActive bool, oldInorder int32) {
	oldActive, oldInorder = d.active, d.inorder

	if pkt.IsSource() {
		if _, have := d.symbols[pkt.SourceID]; !have {
			d.symbols[pkt.SourceID] = decoded{data: pkt.Symbol}
		}
	} else {
		d.repairs[pkt.RepairID] = pkt
	}

	d.tryReconstruct(pkt.WinS, pkt.WinE)
	d.advanceInorder()
	d.active = d.hasGapAhead()

	return oldActive, oldInorder
}

// tryReconstruct attempts to recover any missing source symbols in
// [winS, winE] using whatever repair packets cover that exact span.
func (d *Decoder) tryReconstruct(winS, winE int32) {
	if winE < winS {
		return
	}
	n := int(winE-winS) + 1

	missing := 0
	for id := winS; id <= winE; id++ {
		if _, have := d.symbols[id]; !have {
			missing++
		}
	}
	if missing == 0 {
		return
	}

	for rid, rp := range d.repairs {
		if rp.WinS != winS || rp.WinE != winE {
			continue
		}
		shards := make([][]byte, n+1)
		haveCount := 0
		for i := 0; i < n; i++ {
			id := winS + int32(i)
			if sym, have := d.symbols[id]; have {
				shards[i] = sym.data
				haveCount++
			}
		}
		shards[n] = rp.Symbol

		if haveCount < n {
			enc, err := reedsolomon.New(n, 1)
			if err != nil {
				continue
			}
			if err := enc.Reconstruct(shards); err != nil {
				continue
			}
		}
		for i := 0; i < n; i++ {
			id := winS + int32(i)
			if _, have := d.symbols[id]; !have && shards[i] != nil {
				d.symbols[id] = decoded{data: shards[i], recovered: true}
			}
		}
		delete(d.repairs, rid)
		return
	}
}

func (d *Decoder) advanceInorder() {
	next := d.inorder + 1
	for {
		sym, have := d.symbols[next]
		if !have {
			break
		}
		d.Recovered[next] = sym.data
		d.inorder = next
		next++
	}
}

// hasGapAhead reports whether any retained repair packet still covers a
// span with a missing source symbol — i.e. there is an active coding
// window awaiting recovery.
func (d *Decoder) hasGapAhead() bool {
	for _, rp := range d.repairs {
		for id := rp.WinS; id <= rp.WinE; id++ {
			if _, have := d.symbols[id]; !have {
				return true
			}
		}
	}
	return false
}

// Consume removes and returns the recovered symbol for id, if present.
func (d *Decoder) Consume(id int32) ([]byte, bool) {
	data, ok := d.Recovered[id]
	if ok {
		delete(d.Recovered, id)
	}
	return data, ok
}
