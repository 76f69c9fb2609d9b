package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Control-characteristic opcodes. These values are shared with the
// device firmware's transfer handler and must not be renumbered.
const (
	OpBegin        = 0x01
	OpBeginOK      = 0x02
	OpBeginReject  = 0x03
	OpAck          = 0x04
	OpNack         = 0x05
	OpFinalize     = 0x06
	OpFinalizeOK   = 0x07
	OpFinalizeFail = 0x08
)

// BEGIN_REJECT / FINALIZE_FAIL reason codes.
const (
	ReasonBusy           = 0x01 // another transfer is in progress
	ReasonTooLarge       = 0x02 // object exceeds device storage
	ReasonStaleToken     = 0x03 // duplicate or stale transfer token
	ReasonDigestMismatch = 0x10 // recomputed digest differs
)

// Frame sizes. All integers are little-endian.
const (
	BeginFrameSize    = 37 // opcode(1) + total_length(4) + digest(32)
	BeginOKFrameSize  = 7  // opcode(1) + chunk_size(2) + token(4)
	RejectFrameSize   = 2  // opcode(1) + reason(1)
	AckFrameSize      = 5  // opcode(1) + sequence(4)
	FinalizeFrameSize = 5  // opcode(1) + token(4)
	ChunkHeaderSize   = 8  // sequence(4) + crc32(4)
)

// ErrChunkCRC is returned by DecodeChunkPacket when the payload bytes
// do not match the carried CRC. The device side answers it with a NACK.
var ErrChunkCRC = errors.New("chunk crc mismatch")

// ControlFrame is a decoded control-characteristic message. Only the
// fields relevant to the opcode are populated.
type ControlFrame struct {
	Op        byte
	TotalLen  uint32   // BEGIN
	Digest    [32]byte // BEGIN
	ChunkSize uint16   // BEGIN_OK
	Token     uint32   // BEGIN_OK, FINALIZE
	Sequence  uint32   // ACK, NACK
	Reason    byte     // BEGIN_REJECT, FINALIZE_FAIL
}

// EncodeBegin builds the BEGIN control message announcing a transfer.
func EncodeBegin(totalLength uint32, digest [32]byte) []byte {
	packet := make([]byte, BeginFrameSize)
	packet[0] = OpBegin
	binary.LittleEndian.PutUint32(packet[1:5], totalLength)
	copy(packet[5:37], digest[:])
	return packet
}

// EncodeBeginOK builds the device's BEGIN_OK reply.
func EncodeBeginOK(chunkSize uint16, token uint32) []byte {
	packet := make([]byte, BeginOKFrameSize)
	packet[0] = OpBeginOK
	binary.LittleEndian.PutUint16(packet[1:3], chunkSize)
	binary.LittleEndian.PutUint32(packet[3:7], token)
	return packet
}

// EncodeBeginReject builds the device's BEGIN_REJECT reply.
func EncodeBeginReject(reason byte) []byte {
	return []byte{OpBeginReject, reason}
}

// EncodeAck builds an ACK for the given sequence number.
func EncodeAck(sequence uint32) []byte {
	packet := make([]byte, AckFrameSize)
	packet[0] = OpAck
	binary.LittleEndian.PutUint32(packet[1:5], sequence)
	return packet
}

// EncodeNack builds a NACK for the given sequence number.
func EncodeNack(sequence uint32) []byte {
	packet := make([]byte, AckFrameSize)
	packet[0] = OpNack
	binary.LittleEndian.PutUint32(packet[1:5], sequence)
	return packet
}

// EncodeFinalize builds the FINALIZE control message.
func EncodeFinalize(token uint32) []byte {
	packet := make([]byte, FinalizeFrameSize)
	packet[0] = OpFinalize
	binary.LittleEndian.PutUint32(packet[1:5], token)
	return packet
}

// EncodeFinalizeOK builds the device's FINALIZE_OK reply.
func EncodeFinalizeOK() []byte {
	return []byte{OpFinalizeOK}
}

// EncodeFinalizeFail builds the device's FINALIZE_FAIL reply.
func EncodeFinalizeFail(reason byte) []byte {
	return []byte{OpFinalizeFail, reason}
}

// DecodeControl parses a control-characteristic message.
func DecodeControl(data []byte) (*ControlFrame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty control frame")
	}

	frame := &ControlFrame{Op: data[0]}
	switch frame.Op {
	case OpBegin:
		if len(data) < BeginFrameSize {
			return nil, fmt.Errorf("BEGIN frame too short: %d bytes", len(data))
		}
		frame.TotalLen = binary.LittleEndian.Uint32(data[1:5])
		copy(frame.Digest[:], data[5:37])
	case OpBeginOK:
		if len(data) < BeginOKFrameSize {
			return nil, fmt.Errorf("BEGIN_OK frame too short: %d bytes", len(data))
		}
		frame.ChunkSize = binary.LittleEndian.Uint16(data[1:3])
		frame.Token = binary.LittleEndian.Uint32(data[3:7])
	case OpBeginReject, OpFinalizeFail:
		if len(data) < RejectFrameSize {
			return nil, fmt.Errorf("reject frame too short: %d bytes", len(data))
		}
		frame.Reason = data[1]
	case OpAck, OpNack:
		if len(data) < AckFrameSize {
			return nil, fmt.Errorf("ack frame too short: %d bytes", len(data))
		}
		frame.Sequence = binary.LittleEndian.Uint32(data[1:5])
	case OpFinalize:
		if len(data) < FinalizeFrameSize {
			return nil, fmt.Errorf("FINALIZE frame too short: %d bytes", len(data))
		}
		frame.Token = binary.LittleEndian.Uint32(data[1:5])
	case OpFinalizeOK:
		// opcode only
	default:
		return nil, fmt.Errorf("unknown opcode 0x%02X", frame.Op)
	}

	return frame, nil
}

// EncodeChunkPacket frames a chunk for the data characteristic.
func EncodeChunkPacket(chunk Chunk) []byte {
	packet := make([]byte, ChunkHeaderSize+len(chunk.Bytes))
	binary.LittleEndian.PutUint32(packet[0:4], chunk.Sequence)
	binary.LittleEndian.PutUint32(packet[4:8], chunk.CRC)
	copy(packet[8:], chunk.Bytes)
	return packet
}

// DecodeChunkPacket parses a data-characteristic chunk packet and
// verifies its CRC. A CRC mismatch is reported as ErrChunkCRC with the
// partially-decoded chunk so the caller can NACK the right sequence.
func DecodeChunkPacket(data []byte) (Chunk, error) {
	if len(data) < ChunkHeaderSize {
		return Chunk{}, fmt.Errorf("data too short for chunk header: %d bytes", len(data))
	}

	chunk := Chunk{
		Sequence: binary.LittleEndian.Uint32(data[0:4]),
		CRC:      binary.LittleEndian.Uint32(data[4:8]),
		Bytes:    data[ChunkHeaderSize:],
	}

	if crc32.ChecksumIEEE(chunk.Bytes) != chunk.CRC {
		return chunk, fmt.Errorf("sequence %d: %w", chunk.Sequence, ErrChunkCRC)
	}

	return chunk, nil
}
