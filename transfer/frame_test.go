package transfer

import (
	"bytes"
	"errors"
	"testing"
)

// TestBeginRoundTrip verifies the BEGIN frame carries length and digest
func TestBeginRoundTrip(t *testing.T) {
	payload := patternedPayload(1234)
	encoded := EncodeBegin(payload.TotalLength(), payload.Digest())

	if len(encoded) != BeginFrameSize {
		t.Fatalf("BEGIN frame is %d bytes, expected %d", len(encoded), BeginFrameSize)
	}

	frame, err := DecodeControl(encoded)
	if err != nil {
		t.Fatalf("DecodeControl: %v", err)
	}
	if frame.Op != OpBegin {
		t.Errorf("wrong opcode 0x%02X", frame.Op)
	}
	if frame.TotalLen != 1234 {
		t.Errorf("wrong total length %d", frame.TotalLen)
	}
	if frame.Digest != payload.Digest() {
		t.Errorf("digest did not survive the round trip")
	}
}

// TestControlFrames verifies the remaining control vocabulary
func TestControlFrames(t *testing.T) {
	frame, err := DecodeControl(EncodeBeginOK(180, 0xDEADBEEF))
	if err != nil {
		t.Fatalf("BEGIN_OK: %v", err)
	}
	if frame.ChunkSize != 180 || frame.Token != 0xDEADBEEF {
		t.Errorf("BEGIN_OK fields wrong: size=%d token=%08X", frame.ChunkSize, frame.Token)
	}

	frame, err = DecodeControl(EncodeAck(42))
	if err != nil {
		t.Fatalf("ACK: %v", err)
	}
	if frame.Op != OpAck || frame.Sequence != 42 {
		t.Errorf("ACK fields wrong")
	}

	frame, err = DecodeControl(EncodeNack(7))
	if err != nil {
		t.Fatalf("NACK: %v", err)
	}
	if frame.Op != OpNack || frame.Sequence != 7 {
		t.Errorf("NACK fields wrong")
	}

	frame, err = DecodeControl(EncodeFinalize(0x01020304))
	if err != nil {
		t.Fatalf("FINALIZE: %v", err)
	}
	if frame.Token != 0x01020304 {
		t.Errorf("FINALIZE token wrong: %08X", frame.Token)
	}

	frame, err = DecodeControl(EncodeFinalizeFail(ReasonDigestMismatch))
	if err != nil {
		t.Fatalf("FINALIZE_FAIL: %v", err)
	}
	if frame.Reason != ReasonDigestMismatch {
		t.Errorf("FINALIZE_FAIL reason wrong: 0x%02X", frame.Reason)
	}
}

// TestDecodeControlErrors verifies malformed frames are rejected
func TestDecodeControlErrors(t *testing.T) {
	if _, err := DecodeControl(nil); err == nil {
		t.Errorf("expected error for empty frame")
	}
	if _, err := DecodeControl([]byte{0xFF}); err == nil {
		t.Errorf("expected error for unknown opcode")
	}
	if _, err := DecodeControl([]byte{OpBegin, 0x01}); err == nil {
		t.Errorf("expected error for truncated BEGIN")
	}
	if _, err := DecodeControl([]byte{OpAck}); err == nil {
		t.Errorf("expected error for truncated ACK")
	}
}

// TestChunkPacketRoundTrip verifies data-characteristic framing
func TestChunkPacketRoundTrip(t *testing.T) {
	chunker, _ := NewChunker(patternedPayload(300), 100)
	chunk, _ := chunker.ChunkAt(1)

	packet := EncodeChunkPacket(chunk)
	decoded, err := DecodeChunkPacket(packet)
	if err != nil {
		t.Fatalf("DecodeChunkPacket: %v", err)
	}
	if decoded.Sequence != 1 || decoded.CRC != chunk.CRC {
		t.Errorf("chunk header did not survive the round trip")
	}
	if !bytes.Equal(decoded.Bytes, chunk.Bytes) {
		t.Errorf("chunk bytes did not survive the round trip")
	}
}

// TestChunkPacketCRCDetectsCorruption verifies a flipped payload byte
// is caught and reported with the offending sequence number
func TestChunkPacketCRCDetectsCorruption(t *testing.T) {
	chunker, _ := NewChunker(patternedPayload(300), 100)
	chunk, _ := chunker.ChunkAt(2)
	packet := EncodeChunkPacket(chunk)

	packet[ChunkHeaderSize+10] ^= 0x01

	decoded, err := DecodeChunkPacket(packet)
	if !errors.Is(err, ErrChunkCRC) {
		t.Fatalf("expected ErrChunkCRC, got %v", err)
	}
	if decoded.Sequence != 2 {
		t.Errorf("corrupt chunk reported wrong sequence %d", decoded.Sequence)
	}

	if _, err := DecodeChunkPacket(packet[:4]); err == nil {
		t.Errorf("expected error for truncated chunk packet")
	}
}
