package rtpingest

import (
	"encoding/binary"

	"github.com/pion/rtp"
)

// Packet type bytes (AirTunes variant), matched against the packet's
// second byte with the marker bit (0x80) masked off.
const (
	typeResendReply = 0x56
	typeData        = 0x60
	typeTiming      = 0x53
	typeSync        = 0x54
)

// buildTimingRequest constructs the 32-byte outbound timing request:
// magic {0x80, 0xD2}, length htons(7), 20 zero bytes, then nowMs in the
// final 4 bytes. The reply echoes this value back as "reference".
func buildTimingRequest(nowMs uint32) []byte {
	req := make([]byte, 32)
	req[0] = 0x80
	req[1] = 0x52 | 0x80
	binary.BigEndian.PutUint16(req[2:4], 7)
	binary.BigEndian.PutUint32(req[28:32], nowMs)
	return req
}

// buildResendRequest constructs the 8-byte outbound resend request:
// magic {0x80, 0xD5}, our sequence counter, the first missed seqno, and
// the span count.
func buildResendRequest(ourSeq, first, count uint16) []byte {
	req := make([]byte, 8)
	req[0] = 0x80
	req[1] = 0x55 | 0x80
	binary.BigEndian.PutUint16(req[2:4], ourSeq)
	binary.BigEndian.PutUint16(req[4:6], first)
	binary.BigEndian.PutUint16(req[6:8], count)
	return req
}

// dataPacket is the parsed view of a 0x60/0x56 packet, pointing into
// the caller's receive buffer.
type dataPacket struct {
	Seqno   uint16
	RTPTime uint32
	First   bool
	Body    []byte
}

// parseDataPacket parses a 0x60 data packet (or a 0x56 resend reply
// with its 4-byte shim already skipped). The AirTunes data packet is a
// standard RTP packet (version 2, marker bit flags the first packet
// of a play-run, payload type in the low 7 bits of byte 1 already
// consumed by the caller's type switch), so the header itself is
// unmarshaled with pion/rtp rather than hand-sliced.
func parseDataPacket(packet []byte) (dataPacket, bool) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return dataPacket{}, false
	}
	return dataPacket{
		Seqno:   pkt.SequenceNumber,
		RTPTime: pkt.Timestamp,
		First:   pkt.Marker,
		Body:    pkt.Payload,
	}, true
}

// syncPacket is the parsed view of a 0x54 sync packet.
type syncPacket struct {
	RTPNowLatency uint32
	RemoteNTP     uint64
	RTPNow        uint32
	First         bool
}

func parseSyncPacket(packet []byte) (syncPacket, bool) {
	if len(packet) < 20 {
		return syncPacket{}, false
	}
	remote := uint64(binary.BigEndian.Uint32(packet[8:12]))<<32 | uint64(binary.BigEndian.Uint32(packet[12:16]))
	return syncPacket{
		RTPNowLatency: binary.BigEndian.Uint32(packet[4:8]),
		RemoteNTP:     remote,
		RTPNow:        binary.BigEndian.Uint32(packet[16:20]),
		First:         packet[0]&0x10 != 0,
	}, true
}

// timingReplyPacket is the parsed view of a 0x53 timing reply.
type timingReplyPacket struct {
	Reference uint32
	Remote    uint64
}

func parseTimingReply(packet []byte) (timingReplyPacket, bool) {
	if len(packet) < 24 {
		return timingReplyPacket{}, false
	}
	remote := uint64(binary.BigEndian.Uint32(packet[16:20]))<<32 | uint64(binary.BigEndian.Uint32(packet[20:24]))
	return timingReplyPacket{
		Reference: binary.BigEndian.Uint32(packet[12:16]),
		Remote:    remote,
	}, true
}
