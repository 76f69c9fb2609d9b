package blesim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/transfer"
)

// deviceNotifyBuffer bounds queued control notifications per device.
const deviceNotifyBuffer = 32

// Device is one simulated peripheral. It implements the firmware side
// of the object-transfer protocol: accept BEGIN, verify each chunk's
// CRC, ACK/NACK, and recompute the whole-object digest on FINALIZE.
type Device struct {
	Info   ble.DeviceInfo
	Script Script

	// ChunkSize is what the device advertises in BEGIN_OK. Defaults to
	// 64 when zero, matching a small-flash firmware buffer.
	ChunkSize int

	mu              sync.Mutex
	notify          chan []byte
	token           uint32
	chunkSize       uint32
	totalLen        uint32
	expectedDigest  [32]byte
	buffer          []byte
	received        map[uint32]bool
	acceptedChunks  int
	dead            bool
	wireChunks      int
	stored          []byte // last successfully verified object
	transferActive  bool
}

// NewDevice creates a healthy simulated device.
func NewDevice(address, name string) *Device {
	return &Device{
		Info: ble.DeviceInfo{
			Address:  address,
			Name:     name,
			RSSI:     -40 - rand.Intn(40),
			Firmware: "sim-1.0",
		},
		ChunkSize: 64,
		notify:    make(chan []byte, deviceNotifyBuffer),
	}
}

// WireChunks returns the number of chunk packets the device has seen on
// the wire, retransmissions included. Test hook.
func (d *Device) WireChunks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wireChunks
}

// Stored returns the last object that passed verification, or nil.
func (d *Device) Stored() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stored
}

func (d *Device) takeConnectFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Script.ConnectFailures > 0 {
		d.Script.ConnectFailures--
		return true
	}
	return false
}

// push queues a control notification toward the controller.
func (d *Device) push(frame []byte) {
	select {
	case d.notify <- frame:
	default:
		// Controller is not consuming; a real peripheral would drop too.
	}
}

// handleControl processes a write to the control characteristic.
func (d *Device) handleControl(data []byte) error {
	frame, err := transfer.DecodeControl(data)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.Info.Address, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead {
		return nil
	}

	switch frame.Op {
	case transfer.OpBegin:
		if d.Script.RejectBegin != 0 {
			d.push(transfer.EncodeBeginReject(d.Script.RejectBegin))
			return nil
		}
		chunkSize := d.ChunkSize
		if chunkSize <= 0 {
			chunkSize = 64
		}
		d.token = rand.Uint32()
		d.chunkSize = 0 // fixed once the first chunk arrives; see handleData
		d.totalLen = frame.TotalLen
		d.expectedDigest = frame.Digest
		d.buffer = make([]byte, frame.TotalLen)
		d.received = make(map[uint32]bool)
		d.acceptedChunks = 0
		d.wireChunks = 0
		d.transferActive = true
		// Drop anything queued from an abandoned earlier session.
		for len(d.notify) > 0 {
			<-d.notify
		}
		d.push(transfer.EncodeBeginOK(uint16(chunkSize), d.token))

	case transfer.OpFinalize:
		if !d.transferActive || frame.Token != d.token {
			d.push(transfer.EncodeFinalizeFail(transfer.ReasonStaleToken))
			return nil
		}
		if d.Script.SilentFinalize {
			return nil
		}
		digest := blake3.Sum256(d.buffer)
		if d.Script.CorruptDigest || digest != d.expectedDigest {
			d.push(transfer.EncodeFinalizeFail(transfer.ReasonDigestMismatch))
			return nil
		}
		d.stored = d.buffer
		d.transferActive = false
		d.push(transfer.EncodeFinalizeOK())

	default:
		return fmt.Errorf("device %s: unexpected control opcode 0x%02X", d.Info.Address, frame.Op)
	}

	return nil
}

// handleData processes a chunk packet written to the data
// characteristic.
func (d *Device) handleData(data []byte) error {
	chunk, err := transfer.DecodeChunkPacket(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dead || !d.transferActive {
		return nil
	}
	d.wireChunks++

	if err != nil {
		if errors.Is(err, transfer.ErrChunkCRC) {
			d.push(transfer.EncodeNack(chunk.Sequence))
			return nil
		}
		return fmt.Errorf("device %s: %w", d.Info.Address, err)
	}

	// Scripted NACKs model radio corruption the CRC would catch.
	if remaining := d.Script.NackSchedule[chunk.Sequence]; remaining > 0 {
		d.Script.NackSchedule[chunk.Sequence] = remaining - 1
		d.push(transfer.EncodeNack(chunk.Sequence))
		return nil
	}

	// The first chunk fixes the stride the controller chose; every
	// offset derives from it. A later chunk arriving before the stride
	// is known cannot be placed, so it is NACKed like a corrupt one.
	if d.chunkSize == 0 {
		if chunk.Sequence != 0 {
			d.push(transfer.EncodeNack(chunk.Sequence))
			return nil
		}
		d.chunkSize = uint32(len(chunk.Bytes))
	}
	offset := chunk.Sequence * d.chunkSize
	if offset+uint32(len(chunk.Bytes)) > d.totalLen {
		d.push(transfer.EncodeNack(chunk.Sequence))
		return nil
	}
	copy(d.buffer[offset:], chunk.Bytes)

	if !d.received[chunk.Sequence] {
		d.received[chunk.Sequence] = true
		d.acceptedChunks++
	}
	if d.Script.DeadAfterChunks > 0 && d.acceptedChunks >= d.Script.DeadAfterChunks {
		d.dead = true
		return nil
	}
	d.push(transfer.EncodeAck(chunk.Sequence))
	return nil
}

// link is one simulated connection to one device.
type link struct {
	adapter *Adapter
	dev     *Device
	mtu     int

	closeOnce sync.Once
}

func newLink(a *Adapter, d *Device) *link {
	return &link{adapter: a, dev: d, mtu: a.cfg.MTU}
}

func (l *link) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > l.mtu {
		return fmt.Errorf("write of %d bytes exceeds MTU %d", len(data), l.mtu)
	}
	switch charUUID {
	case ble.ControlCharUUID:
		return l.dev.handleControl(data)
	case ble.DataCharUUID:
		return l.dev.handleData(data)
	default:
		return fmt.Errorf("unknown characteristic %s", charUUID)
	}
}

func (l *link) AwaitNotification(ctx context.Context, charUUID string, deadline time.Duration) ([]byte, error) {
	if charUUID != ble.ControlCharUUID {
		return nil, fmt.Errorf("characteristic %s does not notify", charUUID)
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case frame := <-l.dev.notify:
		return frame, nil
	case <-timer.C:
		return nil, ble.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *link) MTU() int {
	return l.mtu
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.adapter.linkClosed()
	})
	return nil
}
