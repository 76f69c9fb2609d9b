// Package ble defines the minimal capability surface the transfer core
// consumes from a BLE stack: scan, connect, characteristic write, and
// notification await. Implementations: BluetoothAdapter (real radio via
// tinygo.org/x/bluetooth) and blesim.Adapter (in-process simulated
// fleet with deterministic fault injection).
package ble

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTimeout is returned by AwaitNotification when the deadline passes
// with no notification on the characteristic.
var ErrTimeout = errors.New("notification timeout")

// DeviceInfo describes a discovered device. It exists only for the
// duration of discovery plus transfer; nothing is persisted.
type DeviceInfo struct {
	Address  string // opaque link-layer identifier
	Name     string // advertised local name
	RSSI     int    // dBm at discovery time
	Firmware string // firmware/version marker from advertisement data, if any
}

// Filter selects devices during discovery. An empty field matches
// everything.
type Filter struct {
	NamePattern string // case-insensitive substring of the advertised name
	ServiceUUID string // advertised service UUID, exact match
}

// MatchesName reports whether the advertised name passes the filter.
// Service filtering happens at the adapter level where the
// advertisement payload is visible.
func (f Filter) MatchesName(name string) bool {
	if f.NamePattern == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(f.NamePattern))
}

// Link is one live connection to one device. A Link is exclusively
// owned by the session that opened it and is closed on every exit path.
type Link interface {
	// Write sends bytes to a characteristic. Writes are atomic at the
	// link layer: a returned error means the payload was not delivered,
	// never that it was delivered torn.
	Write(ctx context.Context, charUUID string, data []byte) error

	// AwaitNotification blocks until the device pushes a notification
	// on the characteristic, the deadline passes (ErrTimeout), or ctx
	// is done.
	AwaitNotification(ctx context.Context, charUUID string, deadline time.Duration) ([]byte, error)

	// MTU returns the negotiated maximum write size for this link.
	MTU() int

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Adapter is the shared radio handle. Connection admission is bounded
// by the orchestrator; the adapter itself only executes what it is
// asked.
type Adapter interface {
	// Enable powers on the adapter. An error here means no device can
	// be reached at all.
	Enable() error

	// Scan discovers devices matching the filter for at most window,
	// emitting each device once in discovery order. The channel closes
	// when the window ends or ctx is done.
	Scan(ctx context.Context, filter Filter, window time.Duration) (<-chan DeviceInfo, error)

	// Connect opens a link to the device at the given address.
	Connect(ctx context.Context, address string) (Link, error)
}
