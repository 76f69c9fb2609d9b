package flash

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFlashRejectsMissingPort(t *testing.T) {
	f := NewToolFlasher()
	if err := f.Flash(context.Background(), "", "firmware.bin"); err == nil {
		t.Errorf("expected error for empty port")
	}
}

func TestFlashRejectsMissingImage(t *testing.T) {
	f := NewToolFlasher()
	err := f.Flash(context.Background(), "/dev/ttyUSB0", filepath.Join(t.TempDir(), "nope.bin"))
	if err == nil {
		t.Errorf("expected error for missing image")
	}
}

func TestFlashInvokesTool(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "firmware.bin")
	if err := os.WriteFile(image, []byte{0xE9, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}

	// A tool that always succeeds stands in for esptool.
	f := &ToolFlasher{Tool: "true", Baud: 115200}
	if err := f.Flash(context.Background(), "/dev/ttyUSB0", image); err != nil {
		t.Fatalf("Flash with stub tool: %v", err)
	}

	f.Tool = "false"
	if err := f.Flash(context.Background(), "/dev/ttyUSB0", image); err == nil {
		t.Errorf("expected error when the tool exits nonzero")
	}
}
