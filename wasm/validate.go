// Package wasm validates lighting program images before they spend
// radio time. A corrupt program that fails to compile would otherwise
// be discovered only after a full fleet push.
package wasm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
)

var moduleMagic = []byte{0x00, 'a', 's', 'm'}

// IsModule reports whether data carries the WebAssembly module magic.
func IsModule(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], moduleMagic)
}

// Validate compile-checks a WebAssembly program image. It never
// instantiates or runs the module; device-side behavior stays opaque.
func Validate(ctx context.Context, program []byte) error {
	if !IsModule(program) {
		return fmt.Errorf("not a WebAssembly module (missing magic)")
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, program)
	if err != nil {
		return fmt.Errorf("program does not compile: %w", err)
	}
	return compiled.Close(ctx)
}
