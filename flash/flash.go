// Package flash is the boundary to the serial provisioning subsystem.
// The controller hands a serial port and a firmware image across this
// boundary and gets success or failure back; partition-table layout is
// entirely the flasher's business.
package flash

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/user/rudelctl/logger"
)

// Flasher provisions a bare device over a serial port.
type Flasher interface {
	Flash(ctx context.Context, port string, imagePath string) error
}

// ToolFlasher shells out to the vendor flashing tool (esptool for the
// ESP32-class devices this fleet runs on).
type ToolFlasher struct {
	// Tool is the flasher binary. Default: "esptool.py".
	Tool string

	// Baud is the serial baud rate. Default: 460800.
	Baud int
}

// NewToolFlasher returns a flasher with the stock tool and baud rate.
func NewToolFlasher() *ToolFlasher {
	return &ToolFlasher{Tool: "esptool.py", Baud: 460800}
}

// Flash writes the firmware image to the device on the given port.
func (f *ToolFlasher) Flash(ctx context.Context, port string, imagePath string) error {
	if port == "" {
		return fmt.Errorf("no serial port given")
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("firmware image: %w", err)
	}

	tool := f.Tool
	if tool == "" {
		tool = "esptool.py"
	}
	baud := f.Baud
	if baud <= 0 {
		baud = 460800
	}

	args := []string{
		"--port", port,
		"--baud", strconv.Itoa(baud),
		"write_flash", "0x0", imagePath,
	}
	logger.Info("flash", "running %s %v", tool, args)

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("flashing failed: %w", err)
	}
	return nil
}
