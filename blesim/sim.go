// Package blesim provides an in-process simulated BLE fleet: an
// adapter plus any number of simulated devices that speak the device
// side of the object-transfer protocol. Faults (connect failures, NACK
// schedules, dead links, digest corruption) are injected per device so
// protocol behavior is reproducible without a radio.
package blesim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/user/rudelctl/ble"
)

// Config controls the realism of the simulated radio.
type Config struct {
	// MTU reported by every simulated link. Default: 185 bytes, a
	// common negotiated value.
	MTU int

	// Connection timing
	MinConnectDelay time.Duration // Default: 0
	MaxConnectDelay time.Duration // Default: 0

	// Discovery timing: delay before each device is "found"
	DiscoveryInterval time.Duration // Default: 0

	// Deterministic seeds the jitter source for reproducible runs
	Deterministic bool
	Seed          int64

	// AdapterDown makes Enable fail, modeling a missing or busy radio
	AdapterDown bool
}

// DefaultConfig returns an instant, fully reliable simulation. Tests
// that want radio-shaped timing set the delay fields explicitly.
func DefaultConfig() Config {
	return Config{MTU: 185}
}

// Script injects per-device faults. The zero value is a healthy device.
type Script struct {
	// ConnectFailures fails the first N connect attempts. Models a
	// device at the edge of radio range.
	ConnectFailures int

	// RejectBegin makes the device refuse the transfer with this
	// nonzero reason code.
	RejectBegin byte

	// NackSchedule maps a sequence number to the number of times the
	// device NACKs that chunk before accepting it.
	NackSchedule map[uint32]int

	// DeadAfterChunks silences the device entirely after it has
	// accepted N chunks (0 means never). Models a link drop.
	DeadAfterChunks int

	// CorruptDigest makes finalization fail even when every chunk
	// arrived intact.
	CorruptDigest bool

	// SilentFinalize makes the device never answer FINALIZE.
	SilentFinalize bool
}

var _ ble.Adapter = (*Adapter)(nil)

// Adapter is a simulated ble.Adapter over an in-memory fleet.
type Adapter struct {
	cfg Config
	rng *rand.Rand

	mu        sync.Mutex
	devices   []*Device
	byAddress map[string]*Device

	connected    int
	maxConnected int
}

// NewAdapter creates a simulated adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.MTU == 0 {
		cfg.MTU = 185
	}
	var rng *rand.Rand
	if cfg.Deterministic {
		rng = rand.New(rand.NewSource(cfg.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Adapter{
		cfg:       cfg,
		rng:       rng,
		byAddress: make(map[string]*Device),
	}
}

// AddDevice registers a simulated device with the adapter.
func (a *Adapter) AddDevice(d *Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices = append(a.devices, d)
	a.byAddress[d.Info.Address] = d
}

// Enable implements ble.Adapter.
func (a *Adapter) Enable() error {
	if a.cfg.AdapterDown {
		return fmt.Errorf("simulated adapter is down")
	}
	return nil
}

// Scan emits registered devices matching the filter, in registration
// order, one per DiscoveryInterval.
func (a *Adapter) Scan(ctx context.Context, filter ble.Filter, window time.Duration) (<-chan ble.DeviceInfo, error) {
	a.mu.Lock()
	devices := make([]*Device, len(a.devices))
	copy(devices, a.devices)
	a.mu.Unlock()

	out := make(chan ble.DeviceInfo, len(devices))
	scanCtx, cancel := context.WithTimeout(ctx, window)

	go func() {
		defer close(out)
		defer cancel()
		for _, d := range devices {
			if filter.ServiceUUID != "" && filter.ServiceUUID != ble.TransferServiceUUID {
				continue
			}
			if !filter.MatchesName(d.Info.Name) {
				continue
			}
			if a.cfg.DiscoveryInterval > 0 {
				select {
				case <-time.After(a.cfg.DiscoveryInterval):
				case <-scanCtx.Done():
					return
				}
			}
			select {
			case out <- d.Info:
			case <-scanCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Connect implements ble.Adapter, honoring the device's connect script
// and the configured connection delay.
func (a *Adapter) Connect(ctx context.Context, address string) (ble.Link, error) {
	a.mu.Lock()
	dev, ok := a.byAddress[address]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such device %s", address)
	}

	if delay := a.connectDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if dev.takeConnectFailure() {
		return nil, fmt.Errorf("simulated connect failure to %s", address)
	}

	a.mu.Lock()
	a.connected++
	if a.connected > a.maxConnected {
		a.maxConnected = a.connected
	}
	a.mu.Unlock()

	return newLink(a, dev), nil
}

func (a *Adapter) connectDelay() time.Duration {
	if a.cfg.MaxConnectDelay <= a.cfg.MinConnectDelay {
		return a.cfg.MinConnectDelay
	}
	spread := a.cfg.MaxConnectDelay - a.cfg.MinConnectDelay
	a.mu.Lock()
	jitter := time.Duration(a.rng.Int63n(int64(spread)))
	a.mu.Unlock()
	return a.cfg.MinConnectDelay + jitter
}

func (a *Adapter) linkClosed() {
	a.mu.Lock()
	a.connected--
	a.mu.Unlock()
}

// ConnectedNow returns the number of currently open links. Test hook.
func (a *Adapter) ConnectedNow() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// MaxConnected returns the high-water mark of simultaneously open
// links. Test hook for the fleet concurrency bound.
func (a *Adapter) MaxConnected() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxConnected
}
