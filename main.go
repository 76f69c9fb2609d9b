// rudelctl is a command-line controller for a fleet of BLE lighting
// devices. It discovers devices, pushes program and configuration
// objects to them over the object-transfer protocol, and reports one
// outcome per device.
//
// Usage:
//
//	rudelctl push [flags] <payload>     transfer an object to every matched device
//	rudelctl scan [flags]               discover and list devices
//	rudelctl flash --port <dev> <image> first-time serial provisioning
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/blesim"
	"github.com/user/rudelctl/flash"
	"github.com/user/rudelctl/fleet"
	"github.com/user/rudelctl/logger"
	"github.com/user/rudelctl/transfer"
	"github.com/user/rudelctl/wasm"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	if level := os.Getenv("RUDELCTL_LOG_LEVEL"); level != "" {
		logger.SetLevel(logger.ParseLevel(level))
	}

	// Ctrl-C cancels the whole fleet run; every in-flight session stops
	// at its next chunk boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "push":
		return runPush(ctx, args[1:])
	case "scan":
		return runScan(ctx, args[1:])
	case "flash":
		return runFlash(ctx, args[1:])
	case "help", "--help", "-h":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `rudelctl - BLE fleet controller

Commands:
  push <payload>   transfer a program or config object to matched devices
  scan             discover and list devices
  flash <image>    serial-provision a bare device

Run "rudelctl <command> --help" for flags.
`)
}

// fleetFlags registers the flags shared by push and scan.
func fleetFlags(flags *pflag.FlagSet, cfg *fleet.Config, filter *ble.Filter) {
	flags.StringVar(&filter.NamePattern, "name", "", "match devices whose advertised name contains this string")
	flags.StringVar(&filter.ServiceUUID, "service", ble.TransferServiceUUID, "match devices advertising this service UUID")
	flags.DurationVar(&cfg.ScanWindow, "scan-window", cfg.ScanWindow, "how long to scan for devices")
	flags.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
}

func applyLogLevel(flags *pflag.FlagSet) {
	if level, _ := flags.GetString("log-level"); level != "" {
		logger.SetLevel(logger.ParseLevel(level))
	}
}

func runPush(ctx context.Context, args []string) int {
	cfg := fleet.DefaultConfig()
	var filter ble.Filter
	var simulate int
	var noValidate bool

	flags := pflag.NewFlagSet("push", pflag.ContinueOnError)
	fleetFlags(flags, &cfg, &filter)
	flags.IntVar(&cfg.MaxConnections, "connections", cfg.MaxConnections, "max simultaneous device connections")
	flags.IntVar(&cfg.JobRetries, "retries", cfg.JobRetries, "resubmissions per device for transient failures")
	flags.BoolVar(&cfg.AbortOnFailure, "abort-on-failure", false, "cancel the whole fleet on the first failed device")
	flags.IntVar(&cfg.Session.Window, "window", cfg.Session.Window, "max outstanding unacknowledged chunks")
	flags.IntVar(&cfg.Session.ChunkRetryBudget, "chunk-retries", cfg.Session.ChunkRetryBudget, "NACKs tolerated per chunk")
	flags.IntVar(&cfg.Session.PreferredChunkSize, "chunk-size", cfg.Session.PreferredChunkSize, "preferred chunk size in bytes")
	flags.IntVar(&simulate, "simulate", 0, "run against N in-process simulated devices instead of the radio")
	flags.BoolVar(&noValidate, "no-validate", false, "skip WebAssembly program validation")
	if err := flags.Parse(args); err != nil {
		return flagExit(err)
	}
	applyLogLevel(flags)

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rudelctl push [flags] <payload>")
		return 2
	}

	payload, err := transfer.LoadPayload(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if payload.IsWASM() && !noValidate {
		if err := wasm.Validate(ctx, payload.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "error: refusing to push: %v\n", err)
			fmt.Fprintln(os.Stderr, "(use --no-validate to push anyway)")
			return 1
		}
		logger.Debug("main", "program image validated")
	}

	adapter := pickAdapter(simulate)
	orch := fleet.New(adapter, cfg)

	summary, err := orch.Push(ctx, filter, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if len(summary.Results) == 0 {
		fmt.Fprintln(os.Stderr, "no matching devices found")
		return 1
	}

	fmt.Print(summary.Format())
	if !summary.Ok() {
		return 1
	}
	return 0
}

func runScan(ctx context.Context, args []string) int {
	cfg := fleet.DefaultConfig()
	var filter ble.Filter
	var simulate int

	flags := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	fleetFlags(flags, &cfg, &filter)
	flags.IntVar(&simulate, "simulate", 0, "scan N in-process simulated devices instead of the radio")
	if err := flags.Parse(args); err != nil {
		return flagExit(err)
	}
	applyLogLevel(flags)

	orch := fleet.New(pickAdapter(simulate), cfg)
	devices, err := orch.Discover(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		firmware := d.Firmware
		if firmware == "" {
			firmware = "-"
		}
		fmt.Printf("%-20s %-24s rssi=%-5d fw=%s\n", d.Address, name, d.RSSI, firmware)
	}
	fmt.Printf("%d device(s)\n", len(devices))
	return 0
}

func runFlash(ctx context.Context, args []string) int {
	var port string
	var baud int

	flags := pflag.NewFlagSet("flash", pflag.ContinueOnError)
	flags.StringVar(&port, "port", "", "serial port of the device")
	flags.IntVar(&baud, "baud", 460800, "serial baud rate")
	if err := flags.Parse(args); err != nil {
		return flagExit(err)
	}

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rudelctl flash --port <dev> <image>")
		return 2
	}

	flasher := flash.NewToolFlasher()
	flasher.Baud = baud
	if err := flasher.Flash(ctx, port, flags.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println("flash complete")
	return 0
}

// pickAdapter returns the simulated fleet when --simulate is set, the
// real radio otherwise.
func pickAdapter(simulate int) ble.Adapter {
	if simulate <= 0 {
		return ble.NewBluetoothAdapter()
	}
	sim := blesim.NewAdapter(blesim.DefaultConfig())
	for i := 0; i < simulate; i++ {
		sim.AddDevice(blesim.NewDevice(
			fmt.Sprintf("AA:BB:CC:00:00:%02X", i+1),
			fmt.Sprintf("rudel-%d", i+1),
		))
	}
	return sim
}

func flagExit(err error) int {
	if err == pflag.ErrHelp {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 2
}
