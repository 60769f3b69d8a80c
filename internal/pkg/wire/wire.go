// Package wire implements the UDP tunnel wire format: the PEP header,
// the fixed-size SCPayload carried inside coded packets, and the
// InorderAck feedback message.
package wire

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// Message types carried in a Header.Mtype.
const (
	MtypeHandshake       = 0
	MtypeWavehand        = 1
	MtypeHeartbeat       = 2
	MtypeSCProtectedPkt  = 3
	MtypeProbe           = 4
	MtypeHandshakeAck    = 10
	MtypeHeartbeatAck    = 11
	MtypeSCDataAck       = 12
	MtypeProbeAck        = 13
	MtypeAdvertiseBurst  = 14
	MtypeDecodeSuccess   = 15
)

// Inner message kinds riding inside an SCPayload once decoded.
const (
	MsgRemoteRequest  = 100
	MsgRemoteExist    = 101
	MsgRemoteNotExist = 102
	MsgRemoteExit     = 103
	MsgTCPRawData     = 104
)

// Poller-report kinds, surfaced by the ChannelSet rather than the wire,
// kept here since they share the same namespace of small integer kinds
// as the inner message set above.
const (
	ReportConnectSuccess = 1001
	ReportConnectFailed  = 1002
	ReportNeighborExit   = 1003
)

// Packet-info kinds used to tag PacketInfo entries.
const (
	PacketInfoSource = 10000
	PacketInfoRepair = 10001
)

const (
	// MsgDataMaxLength bounds the payload carried by one SCPayload.
	MsgDataMaxLength = 1430

	// tcpHeaderLength is 4 uint16 fields + 8 uint8 fields preceding msgData.
	tcpHeaderLength = 4*2 + 8*1

	// SCPayloadPackedLength is the fixed wire size of one SCPayload.
	SCPayloadPackedLength = tcpHeaderLength + MsgDataMaxLength

	// headerLength is the PEP header: 1 byte mtype + 2 byte length.
	headerLength = 3

	// ScPacketSize is the size on the wire of one coded packet: the
	// SCPayload plus the coding library's own four int32 fields
	// (sourceid, repairid, win_s, win_e) plus the PEP header.
	ScPacketSize = SCPayloadPackedLength + 4*4 + headerLength

	// ProbePacketSize matches ScPacketSize so probe trains exercise the
	// same on-wire size as data packets.
	ProbePacketSize = ScPacketSize
)

// Header is the 3-byte PEP header: a 1-byte message type followed by a
// 2-byte body length. The two fields are packed separately, never
// combined into one 4-byte word — combining them changes alignment and
// breaks interoperability with the peer.
type Header struct {
	Mtype  byte
	Length uint16
}

// Packed serializes the header to exactly headerLength bytes.
func (h Header) Packed() []byte {
	buf := make([]byte, headerLength)
	buf[0] = h.Mtype
	binary.LittleEndian.PutUint16(buf[1:3], h.Length)
	return buf
}

// ParseHeader parses exactly headerLength bytes into a Header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) != headerLength {
		return Header{}, errors.Errorf("wire: invalid header length %d, want %d", len(data), headerLength)
	}
	return Header{
		Mtype:  data[0],
		Length: binary.LittleEndian.Uint16(data[1:3]),
	}, nil
}

// Packet is a parsed PEP packet: a header plus an optional body.
type Packet struct {
	Header Header
	Body   []byte
}

// Packed serializes the packet, setting Header.Length from len(Body).
func (p Packet) Packed() []byte {
	if p.Body == nil {
		return p.Header.Packed()
	}
	p.Header.Length = uint16(len(p.Body))
	out := make([]byte, 0, headerLength+len(p.Body))
	out = append(out, p.Header.Packed()...)
	out = append(out, p.Body...)
	return out
}

// ParsePacket parses a full wire packet: header followed by its body.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < headerLength {
		return Packet{}, errors.Errorf("wire: short packet, %d bytes", len(data))
	}
	h, err := ParseHeader(data[:headerLength])
	if err != nil {
		return Packet{}, err
	}
	if h.Length == 0 {
		return Packet{Header: h}, nil
	}
	body := data[headerLength:]
	if len(body) != int(h.Length) {
		return Packet{}, errors.Errorf("wire: body length %d does not match header length %d", len(body), h.Length)
	}
	return Packet{Header: h, Body: body}, nil
}

// SCPayload is the fixed-size structure coded-packet symbols carry. Msg
// identifies the inner kind (one of the Msg* constants); MsgData is
// padded with spaces out to MsgDataMaxLength so every symbol the
// streaming code handles is uniformly sized.
type SCPayload struct {
	Msg     uint16
	MsgData []byte
	SrcAddr *net.TCPAddr
	DstAddr *net.TCPAddr
}

// Packed serializes the payload to exactly SCPayloadPackedLength bytes.
func (p SCPayload) Packed() ([]byte, error) {
	if len(p.MsgData) > MsgDataMaxLength {
		return nil, errors.Errorf("wire: msgData length %d exceeds MsgDataMaxLength %d", len(p.MsgData), MsgDataMaxLength)
	}
	srcIP := p.SrcAddr.IP.To4()
	dstIP := p.DstAddr.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, errors.New("wire: SCPayload only supports IPv4 addresses")
	}

	out := make([]byte, SCPayloadPackedLength)
	binary.LittleEndian.PutUint16(out[0:2], p.Msg)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(p.MsgData)))
	binary.LittleEndian.PutUint16(out[4:6], uint16(p.SrcAddr.Port))
	binary.LittleEndian.PutUint16(out[6:8], uint16(p.DstAddr.Port))
	copy(out[8:12], srcIP)
	copy(out[12:16], dstIP)
	n := copy(out[tcpHeaderLength:], p.MsgData)
	for i := tcpHeaderLength + n; i < SCPayloadPackedLength; i++ {
		out[i] = ' '
	}
	return out, nil
}

// ParseSCPayload parses exactly SCPayloadPackedLength bytes.
func ParseSCPayload(data []byte) (SCPayload, error) {
	if len(data) != SCPayloadPackedLength {
		return SCPayload{}, errors.Errorf("wire: SCPayload length %d, want %d", len(data), SCPayloadPackedLength)
	}
	msg := binary.LittleEndian.Uint16(data[0:2])
	msgDataLength := binary.LittleEndian.Uint16(data[2:4])
	srcPort := binary.LittleEndian.Uint16(data[4:6])
	dstPort := binary.LittleEndian.Uint16(data[6:8])
	srcIP := net.IPv4(data[8], data[9], data[10], data[11])
	dstIP := net.IPv4(data[12], data[13], data[14], data[15])

	if int(msgDataLength) > MsgDataMaxLength {
		return SCPayload{}, errors.Errorf("wire: msgDataLength %d exceeds MsgDataMaxLength", msgDataLength)
	}
	msgData := make([]byte, msgDataLength)
	copy(msgData, data[tcpHeaderLength:tcpHeaderLength+int(msgDataLength)])

	return SCPayload{
		Msg:     msg,
		MsgData: msgData,
		SrcAddr: &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
		DstAddr: &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
	}, nil
}

// InorderAck is the receiver's feedback message: seven 32-bit integers.
type InorderAck struct {
	AckID              int32
	Inorder            int32
	NSource            int32
	NRepair            int32
	LatestRecvPktType  int32
	LatestRecvSourceID int32
	LatestRecvRepairID int32
}

// InorderAckPackedSize is the fixed wire size of an InorderAck.
const InorderAckPackedSize = 7 * 4

// Packed serializes the ack to exactly InorderAckPackedSize bytes.
func (a InorderAck) Packed() []byte {
	out := make([]byte, InorderAckPackedSize)
	fields := []int32{
		a.AckID, a.Inorder, a.NSource, a.NRepair,
		a.LatestRecvPktType, a.LatestRecvSourceID, a.LatestRecvRepairID,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], uint32(f))
	}
	return out
}

// ParseInorderAck parses exactly InorderAckPackedSize bytes.
func ParseInorderAck(data []byte) (InorderAck, error) {
	if len(data) != InorderAckPackedSize {
		return InorderAck{}, errors.Errorf("wire: InorderAck length %d, want %d", len(data), InorderAckPackedSize)
	}
	var fields [7]int32
	for i := range fields {
		fields[i] = int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return InorderAck{
		AckID:              fields[0],
		Inorder:            fields[1],
		NSource:            fields[2],
		NRepair:            fields[3],
		LatestRecvPktType:  fields[4],
		LatestRecvSourceID: fields[5],
		LatestRecvRepairID: fields[6],
	}, nil
}
