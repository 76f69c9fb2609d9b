package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/user/rudelctl/logger"
)

// notifyBuffer bounds queued control notifications per link. The
// protocol never has more than a handful of unconsumed acks in flight.
const notifyBuffer = 16

// BluetoothAdapter implements Adapter over the host's real BLE radio.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	addresses map[string]bluetooth.Address // scan-time address cache, keyed by string form
}

// NewBluetoothAdapter wraps the platform default adapter.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:   bluetooth.DefaultAdapter,
		addresses: make(map[string]bluetooth.Address),
	}
}

// Enable powers on the BLE stack.
func (b *BluetoothAdapter) Enable() error {
	return b.adapter.Enable()
}

// Scan discovers devices for the given window. Each matching device is
// emitted once; the address cache is filled so Connect can resolve the
// opaque address string back to a platform address.
func (b *BluetoothAdapter) Scan(ctx context.Context, filter Filter, window time.Duration) (<-chan DeviceInfo, error) {
	out := make(chan DeviceInfo, 16)

	var serviceUUID bluetooth.UUID
	filterService := filter.ServiceUUID != ""
	if filterService {
		parsed, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid service uuid %q: %w", filter.ServiceUUID, err)
		}
		serviceUUID = parsed
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)

	go func() {
		defer close(out)
		defer cancel()

		seen := make(map[string]bool)
		err := b.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				adapter.StopScan()
				return
			default:
			}

			addr := result.Address.String()
			if seen[addr] {
				return
			}
			if filterService && !result.AdvertisementPayload.HasServiceUUID(serviceUUID) {
				return
			}
			name := result.LocalName()
			if !filter.MatchesName(name) {
				return
			}
			seen[addr] = true

			b.mu.Lock()
			b.addresses[addr] = result.Address
			b.mu.Unlock()

			info := DeviceInfo{
				Address:  addr,
				Name:     name,
				RSSI:     int(result.RSSI),
				Firmware: firmwareMarker(result),
			}
			logger.Debug("ble", "discovered %s (%s) rssi=%d", info.Name, info.Address, info.RSSI)

			select {
			case out <- info:
			case <-scanCtx.Done():
				adapter.StopScan()
			}
		})
		if err != nil {
			logger.Warn("ble", "scan ended with error: %v", err)
		}
	}()

	// Stop the blocking Scan call when the window closes.
	go func() {
		<-scanCtx.Done()
		b.adapter.StopScan()
	}()

	return out, nil
}

// firmwareMarker extracts the firmware/version marker devices place in
// their manufacturer-specific advertisement data.
func firmwareMarker(result bluetooth.ScanResult) string {
	for _, element := range result.ManufacturerData() {
		if len(element.Data) > 0 {
			return string(element.Data)
		}
	}
	return ""
}

// Connect opens a link and resolves the transfer service's control and
// data characteristics.
func (b *BluetoothAdapter) Connect(ctx context.Context, address string) (Link, error) {
	b.mu.Lock()
	addr, cached := b.addresses[address]
	b.mu.Unlock()
	if !cached {
		mac, err := bluetooth.ParseMAC(address)
		if err != nil {
			return nil, fmt.Errorf("unknown device address %q: %w", address, err)
		}
		addr = bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := b.adapter.Connect(addr, params)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	link, err := newBluetoothLink(device)
	if err != nil {
		device.Disconnect()
		return nil, err
	}
	return link, nil
}

// bluetoothLink is a Link over one connected tinygo bluetooth device.
type bluetoothLink struct {
	device bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic
	notify chan []byte
	mtu    int

	closeOnce sync.Once
}

func newBluetoothLink(device bluetooth.Device) (*bluetoothLink, error) {
	serviceUUID, err := bluetooth.ParseUUID(TransferServiceUUID)
	if err != nil {
		return nil, err
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, fmt.Errorf("service discovery: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("device does not expose the transfer service")
	}

	controlUUID, _ := bluetooth.ParseUUID(ControlCharUUID)
	dataUUID, _ := bluetooth.ParseUUID(DataCharUUID)
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{controlUUID, dataUUID})
	if err != nil {
		return nil, fmt.Errorf("characteristic discovery: %w", err)
	}

	link := &bluetoothLink{
		device: device,
		chars:  make(map[string]bluetooth.DeviceCharacteristic),
		notify: make(chan []byte, notifyBuffer),
		mtu:    23, // BLE 4.0 floor until negotiation says otherwise
	}
	for _, char := range chars {
		link.chars[char.UUID().String()] = char
	}

	control, ok := link.chars[controlUUID.String()]
	if !ok {
		return nil, fmt.Errorf("control characteristic not found")
	}
	if _, ok := link.chars[dataUUID.String()]; !ok {
		return nil, fmt.Errorf("data characteristic not found")
	}

	if mtu, err := control.GetMTU(); err == nil && int(mtu) > link.mtu {
		link.mtu = int(mtu)
	}

	// Control acks arrive as notifications; buffer them for the
	// session's await loop.
	err = control.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		select {
		case link.notify <- value:
		default:
			logger.Warn("ble", "dropping control notification: buffer full")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	return link, nil
}

func (l *bluetoothLink) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	char, ok := l.chars[normalizeUUID(charUUID)]
	if !ok {
		return fmt.Errorf("unknown characteristic %s", charUUID)
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write %d bytes: %w", len(data), err)
	}
	return nil
}

func (l *bluetoothLink) AwaitNotification(ctx context.Context, charUUID string, deadline time.Duration) ([]byte, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case value := <-l.notify:
		return value, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *bluetoothLink) MTU() int {
	return l.mtu
}

func (l *bluetoothLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.device.Disconnect()
	})
	return err
}

// normalizeUUID maps our uppercase UUID constants to the lowercase
// string form tinygo's UUID.String produces.
func normalizeUUID(uuid string) string {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return uuid
	}
	return parsed.String()
}
