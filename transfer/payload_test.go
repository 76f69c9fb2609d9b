package transfer

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// TestPayloadDigestImmutable verifies the digest is computed at
// construction and untouched by later mutation of the source slice
func TestPayloadDigestImmutable(t *testing.T) {
	data := []byte("lighting program v2")
	payload := NewPayload(data)
	digest := payload.Digest()

	// Mutating the caller's slice must not reach the payload.
	data[0] = 'X'

	if payload.Digest() != digest {
		t.Errorf("digest changed after construction")
	}
	if payload.Bytes()[0] == 'X' {
		t.Errorf("payload shares storage with caller slice")
	}
}

// TestPayloadSizeLimit verifies the u32 length announced on the wire
// can never be a truncated lie about a larger object
func TestPayloadSizeLimit(t *testing.T) {
	if err := checkPayloadSize(1 << 20); err != nil {
		t.Errorf("ordinary payload size rejected: %v", err)
	}
	if err := checkPayloadSize(math.MaxUint32); err != nil {
		t.Errorf("largest representable size rejected: %v", err)
	}
	if err := checkPayloadSize(math.MaxUint32 + 1); err == nil {
		t.Errorf("expected rejection past the u32 limit")
	}
}

func TestPayloadIsWASM(t *testing.T) {
	if !NewPayload([]byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}).IsWASM() {
		t.Errorf("module magic not recognized")
	}
	if NewPayload([]byte("just some config")).IsWASM() {
		t.Errorf("plain bytes misdetected as WASM")
	}
}

func TestLoadPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "program.bin")
	if err := os.WriteFile(path, []byte("hello fleet"), 0644); err != nil {
		t.Fatal(err)
	}

	payload, err := LoadPayload(path)
	if err != nil {
		t.Fatalf("LoadPayload: %v", err)
	}
	if payload.TotalLength() != 11 {
		t.Errorf("wrong total length %d", payload.TotalLength())
	}

	if _, err := LoadPayload(filepath.Join(dir, "missing.bin")); err == nil {
		t.Errorf("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.bin")
	os.WriteFile(empty, nil, 0644)
	if _, err := LoadPayload(empty); err == nil {
		t.Errorf("expected error for empty payload")
	}
}
