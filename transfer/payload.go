package transfer

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/zeebo/blake3"
)

// wasmMagic is the 4-byte preamble of every WebAssembly module.
var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// maxPayloadSize is the largest object the wire format can announce:
// the transfer announcement carries the total length as a u32.
const maxPayloadSize = math.MaxUint32

// checkPayloadSize rejects objects whose length cannot be represented
// on the wire.
func checkPayloadSize(n uint64) error {
	if n > maxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds the u32 wire length limit", n)
	}
	return nil
}

// Payload is an immutable byte buffer with its whole-object BLAKE3
// digest, computed exactly once at construction. The digest is what the
// device recomputes after the last chunk to verify end-to-end
// integrity, so it must never be refreshed mid-transfer: if the bytes
// changed underneath us the verification step has to fail.
type Payload struct {
	data   []byte
	digest [32]byte
}

// NewPayload copies data into an immutable payload and computes its
// digest.
func NewPayload(data []byte) *Payload {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Payload{
		data:   buf,
		digest: blake3.Sum256(buf),
	}
}

// LoadPayload reads a payload from disk.
func LoadPayload(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload %s is empty", path)
	}
	if err := checkPayloadSize(uint64(len(data))); err != nil {
		return nil, fmt.Errorf("payload %s: %w", path, err)
	}
	return NewPayload(data), nil
}

// TotalLength returns the declared payload length in bytes.
func (p *Payload) TotalLength() uint32 {
	return uint32(len(p.data))
}

// Digest returns the precomputed 256-bit BLAKE3 digest.
func (p *Payload) Digest() [32]byte {
	return p.digest
}

// Bytes returns the underlying buffer. Callers must treat it as
// read-only; it is shared across every concurrent session.
func (p *Payload) Bytes() []byte {
	return p.data
}

// IsWASM reports whether the payload starts with the WebAssembly
// module magic. Used to decide whether program validation applies.
func (p *Payload) IsWASM() bool {
	return len(p.data) >= 4 && bytes.Equal(p.data[:4], wasmMagic)
}
