package wasm

import (
	"context"
	"testing"
)

// emptyModule is the smallest valid WebAssembly module: magic plus
// version, no sections.
var emptyModule = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

func TestValidateAcceptsMinimalModule(t *testing.T) {
	if err := Validate(context.Background(), emptyModule); err != nil {
		t.Fatalf("minimal module rejected: %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if err := Validate(context.Background(), []byte("not a program")); err == nil {
		t.Errorf("expected rejection for non-module bytes")
	}

	// Right magic, truncated body.
	truncated := append([]byte{}, emptyModule...)
	truncated = append(truncated, 0x01) // dangling section id
	if err := Validate(context.Background(), truncated); err == nil {
		t.Errorf("expected rejection for truncated module")
	}
}

func TestIsModule(t *testing.T) {
	if !IsModule(emptyModule) {
		t.Errorf("module magic not recognized")
	}
	if IsModule([]byte{0x00, 'a', 's'}) {
		t.Errorf("short input misdetected")
	}
}
