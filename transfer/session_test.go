package transfer_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/rudelctl/blesim"
	"github.com/user/rudelctl/transfer"
)

func testSessionConfig() transfer.SessionConfig {
	cfg := transfer.DefaultSessionConfig()
	cfg.PreferredChunkSize = 100
	cfg.Window = 1
	cfg.ChunkRetryBudget = 5
	cfg.ConnectTimeout = time.Second
	cfg.NegotiateTimeout = time.Second
	cfg.AckTimeout = 500 * time.Millisecond
	cfg.FinalizeTimeout = 500 * time.Millisecond
	return cfg
}

// testRig is one simulated device behind one adapter.
func testRig(script blesim.Script) (*blesim.Adapter, *blesim.Device) {
	adapter := blesim.NewAdapter(blesim.DefaultConfig())
	device := blesim.NewDevice("AA:BB:CC:00:00:01", "rudel-1")
	device.ChunkSize = 100
	device.Script = script
	adapter.AddDevice(device)
	return adapter, device
}

func testPayload(n int) *transfer.Payload {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7 % 256)
	}
	return transfer.NewPayload(data)
}

// Scenario: 1000-byte payload, 100-byte chunks, clean radio. Ten
// chunks on the wire, finalize succeeds, device stores the object.
func TestSessionCleanTransfer(t *testing.T) {
	adapter, device := testRig(blesim.Script{})
	payload := testPayload(1000)

	session := transfer.NewSession(adapter, device.Info, payload, testSessionConfig())
	err := session.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, transfer.StateComplete, session.State())
	require.Equal(t, 10, device.WireChunks())
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}

// Scenario: chunk 4 NACKed twice before being accepted. The same chunk
// is regenerated and resent, so it crosses the wire three times and the
// transfer still completes: 12 chunk packets total.
func TestSessionRecoverableNacks(t *testing.T) {
	adapter, device := testRig(blesim.Script{
		NackSchedule: map[uint32]int{4: 2},
	})
	payload := testPayload(1000)

	session := transfer.NewSession(adapter, device.Info, payload, testSessionConfig())
	err := session.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, transfer.StateComplete, session.State())
	require.Equal(t, 12, device.WireChunks())
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}

// Scenario: chunk 4 NACKed twice with two chunks in flight. The ack
// for chunk 5 arrives while chunk 4 is being retransmitted and must
// not drag the cursor past it; the transfer still completes with 12
// chunk packets on the wire and no hole in the reassembled object.
func TestSessionRecoverableNacksWindow2(t *testing.T) {
	adapter, device := testRig(blesim.Script{
		NackSchedule: map[uint32]int{4: 2},
	})
	payload := testPayload(1000)

	cfg := testSessionConfig()
	cfg.Window = 2
	session := transfer.NewSession(adapter, device.Info, payload, cfg)
	err := session.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, transfer.StateComplete, session.State())
	require.Equal(t, 12, device.WireChunks())
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}

// Same scenario at the widest window: four chunks in flight, three
// acks for later chunks queued behind the NACK.
func TestSessionRecoverableNacksWindow4(t *testing.T) {
	adapter, device := testRig(blesim.Script{
		NackSchedule: map[uint32]int{4: 2},
	})
	payload := testPayload(1000)

	cfg := testSessionConfig()
	cfg.Window = 4
	session := transfer.NewSession(adapter, device.Info, payload, cfg)
	err := session.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, transfer.StateComplete, session.State())
	require.Equal(t, 12, device.WireChunks())
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}

// Scenario: chunk 4 NACKed six times against a budget of five. The
// session fails with retry exhaustion and the cursor stays frozen at
// the offending chunk.
func TestSessionChunkRetryExhausted(t *testing.T) {
	adapter, device := testRig(blesim.Script{
		NackSchedule: map[uint32]int{4: 6},
	})

	session := transfer.NewSession(adapter, device.Info, testPayload(1000), testSessionConfig())
	err := session.Run(context.Background())

	require.Error(t, err)
	require.Equal(t, transfer.FailureChunkRetryExhausted, transfer.KindOf(err))
	require.Equal(t, transfer.StateFailed, session.State())
	require.Equal(t, uint32(4), session.Cursor())
}

// Retry exhaustion with two chunks in flight: chunk 5 is acked while
// chunk 4 keeps being rejected, so the cursor must stay frozen at 4
// when the budget runs out. Six chunks go out plus five resends of
// chunk 4: eleven packets on the wire.
func TestSessionChunkRetryExhaustedWindow2(t *testing.T) {
	adapter, device := testRig(blesim.Script{
		NackSchedule: map[uint32]int{4: 6},
	})

	cfg := testSessionConfig()
	cfg.Window = 2
	session := transfer.NewSession(adapter, device.Info, testPayload(1000), cfg)
	err := session.Run(context.Background())

	require.Error(t, err)
	require.Equal(t, transfer.FailureChunkRetryExhausted, transfer.KindOf(err))
	require.Equal(t, uint32(4), session.Cursor())
	require.Equal(t, 11, device.WireChunks())
}

// A session reaches Complete if and only if the device's recomputed
// digest matches; a mismatch is a content failure, never a success.
func TestSessionDigestMismatch(t *testing.T) {
	adapter, device := testRig(blesim.Script{CorruptDigest: true})

	session := transfer.NewSession(adapter, device.Info, testPayload(500), testSessionConfig())
	err := session.Run(context.Background())

	require.Error(t, err)
	require.Equal(t, transfer.FailureDigestMismatch, transfer.KindOf(err))
	require.Equal(t, transfer.StateFailed, session.State())
	require.Nil(t, device.Stored())
}

func TestSessionNegotiationRejected(t *testing.T) {
	adapter, device := testRig(blesim.Script{RejectBegin: transfer.ReasonBusy})

	session := transfer.NewSession(adapter, device.Info, testPayload(500), testSessionConfig())
	err := session.Run(context.Background())

	require.Equal(t, transfer.FailureNegotiationRejected, transfer.KindOf(err))
	require.False(t, transfer.FailureNegotiationRejected.Transient())
}

func TestSessionFinalizeTimeout(t *testing.T) {
	adapter, device := testRig(blesim.Script{SilentFinalize: true})

	session := transfer.NewSession(adapter, device.Info, testPayload(300), testSessionConfig())
	err := session.Run(context.Background())

	require.Equal(t, transfer.FailureFinalizeTimeout, transfer.KindOf(err))
}

// A device that dies mid-transfer surfaces as a link drop, which the
// orchestrator may retry with a fresh session.
func TestSessionLinkDrop(t *testing.T) {
	adapter, device := testRig(blesim.Script{DeadAfterChunks: 3})

	session := transfer.NewSession(adapter, device.Info, testPayload(1000), testSessionConfig())
	err := session.Run(context.Background())

	require.Equal(t, transfer.FailureLinkDropped, transfer.KindOf(err))
	require.True(t, transfer.FailureLinkDropped.Transient())
}

// Cancellation mid-transfer takes effect at a chunk boundary and
// always leaves the session in a terminal state.
func TestSessionCancellation(t *testing.T) {
	adapter, device := testRig(blesim.Script{})
	payload := testPayload(1000)

	ctx, cancel := context.WithCancel(context.Background())
	session := transfer.NewSession(adapter, device.Info, payload, testSessionConfig())
	session.OnProgress(func(acked, total int) {
		if acked == 3 {
			cancel()
		}
	})

	err := session.Run(ctx)

	require.Equal(t, transfer.FailureCancelled, transfer.KindOf(err))
	require.True(t, session.State().Terminal())
	require.Equal(t, transfer.StateFailed, session.State())
	// The device saw only whole chunks; nothing torn arrived.
	require.Nil(t, device.Stored())
}

// The session chunk size is min(controller-preferred, device-advertised).
func TestSessionChunkSizeNegotiation(t *testing.T) {
	adapter := blesim.NewAdapter(blesim.DefaultConfig())
	device := blesim.NewDevice("AA:BB:CC:00:00:02", "rudel-2")
	device.ChunkSize = 64 // smaller than the controller's preferred 100
	adapter.AddDevice(device)

	payload := testPayload(1000)
	session := transfer.NewSession(adapter, device.Info, payload, testSessionConfig())
	err := session.Run(context.Background())

	require.NoError(t, err)
	// ceil(1000/64) = 16 chunks on the wire
	require.Equal(t, 16, device.WireChunks())
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}

// A session is never reused: a second Run must refuse to start.
func TestSessionSingleUse(t *testing.T) {
	adapter, device := testRig(blesim.Script{})

	session := transfer.NewSession(adapter, device.Info, testPayload(100), testSessionConfig())
	require.NoError(t, session.Run(context.Background()))
	require.Error(t, session.Run(context.Background()))
}

// Windowed sends: with W=2 the transfer still completes and the device
// reassembles the object intact.
func TestSessionWindowedTransfer(t *testing.T) {
	adapter, device := testRig(blesim.Script{})
	payload := testPayload(1000)

	cfg := testSessionConfig()
	cfg.Window = 2
	session := transfer.NewSession(adapter, device.Info, payload, cfg)
	err := session.Run(context.Background())

	require.NoError(t, err)
	require.True(t, bytes.Equal(payload.Bytes(), device.Stored()))
}
