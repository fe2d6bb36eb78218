package protocol

import (
	"encoding/binary"
	"io"
)

// VoicePacket is one UDP voice datagram:
// sender id (4 LE) + per-sender sequence (4 LE) + Opus payload.
// Sequence wraps at 2^32; the whole packet must fit in MaxVoicePacket.
type VoicePacket struct {
	ClientID uint32
	Sequence uint32
	Opus     []byte
}

// Bytes serializes the packet for sendto.
func (p VoicePacket) Bytes() []byte {
	buf := make([]byte, VoiceHeaderSize+len(p.Opus))
	binary.LittleEndian.PutUint32(buf[0:], p.ClientID)
	binary.LittleEndian.PutUint32(buf[4:], p.Sequence)
	copy(buf[VoiceHeaderSize:], p.Opus)
	return buf
}

// ParseVoicePacket parses a received datagram. Datagrams shorter than the
// 8-byte header are discarded by the caller; this returns ErrUnexpectedEOF
// for them.
func ParseVoicePacket(data []byte) (VoicePacket, error) {
	if len(data) < VoiceHeaderSize {
		return VoicePacket{}, io.ErrUnexpectedEOF
	}
	return VoicePacket{
		ClientID: binary.LittleEndian.Uint32(data[0:]),
		Sequence: binary.LittleEndian.Uint32(data[4:]),
		Opus:     data[VoiceHeaderSize:],
	}, nil
}
