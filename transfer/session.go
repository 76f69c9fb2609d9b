package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/logger"
)

// State is a session's position in its lifecycle. Complete and Failed
// are terminal; a session is never reused for a second transfer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiating
	StateReady
	StateTransferring
	StateVerifying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Complete or Failed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// SessionConfig carries the protocol policy knobs. The "right" values
// depend on real radio characteristics, so everything is a parameter
// with a conservative default rather than a constant.
type SessionConfig struct {
	PreferredChunkSize int // controller-preferred; session uses min(this, device-advertised)
	Window             int // max outstanding unacked chunks (W)
	ChunkRetryBudget   int // NACKs tolerated per chunk before giving up

	ConnectTimeout   time.Duration
	NegotiateTimeout time.Duration
	AckTimeout       time.Duration // per outstanding-chunk ack round trip
	FinalizeTimeout  time.Duration // device-side digest recompute can be slow
}

// DefaultSessionConfig returns conservative BLE-friendly defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PreferredChunkSize: 180,
		Window:             2,
		ChunkRetryBudget:   5,
		ConnectTimeout:     10 * time.Second,
		NegotiateTimeout:   5 * time.Second,
		AckTimeout:         3 * time.Second,
		FinalizeTimeout:    15 * time.Second,
	}
}

// Session drives one device through connect, negotiation, chunked push,
// and whole-object verification over a single BLE connection. It
// exclusively owns its link and its mutable cursor/attempt state; the
// payload it reads is shared read-only across every session.
type Session struct {
	cfg     SessionConfig
	adapter ble.Adapter
	device  ble.DeviceInfo
	payload *Payload

	state     State
	cursor    uint32 // next unacknowledged sequence number
	attempts  map[uint32]int
	token     uint32
	chunkSize int
	lastErr   error

	// onProgress, when set, is called after every cursor advance with
	// (acked, total) chunk counts.
	onProgress func(acked, total int)

	prefix string // log prefix, short device address
}

// NewSession binds one payload to one target device. Run may be called
// exactly once.
func NewSession(adapter ble.Adapter, device ble.DeviceInfo, payload *Payload, cfg SessionConfig) *Session {
	prefix := device.Address
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Session{
		cfg:      cfg,
		adapter:  adapter,
		device:   device,
		payload:  payload,
		state:    StateDisconnected,
		attempts: make(map[uint32]int),
		prefix:   prefix,
	}
}

// OnProgress registers a progress callback. Must be called before Run.
func (s *Session) OnProgress(fn func(acked, total int)) {
	s.onProgress = fn
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// Cursor returns the next unacknowledged sequence number. After a
// ChunkRetryExhausted failure this is frozen at the offending chunk.
func (s *Session) Cursor() uint32 {
	return s.cursor
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	return s.lastErr
}

// Run executes the whole transfer. It always leaves the session in a
// terminal state and always releases the link, whatever the exit path.
func (s *Session) Run(ctx context.Context) error {
	if s.state != StateDisconnected {
		return fmt.Errorf("session already ran (state %s)", s.state)
	}

	err := s.run(ctx)
	if err != nil {
		phase := s.state
		s.state = StateFailed
		s.lastErr = err
		logger.Warn(s.prefix, "transfer failed while %s: %v", phase, err)
		return err
	}
	s.state = StateComplete
	logger.Info(s.prefix, "transfer complete (%d bytes)", s.payload.TotalLength())
	return nil
}

func (s *Session) run(ctx context.Context) error {
	link, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	if err := s.negotiate(ctx, link); err != nil {
		return err
	}
	if err := s.transferChunks(ctx, link); err != nil {
		return err
	}
	return s.finalize(ctx, link)
}

// connect moves Disconnected → Connecting and opens the link.
func (s *Session) connect(ctx context.Context) (ble.Link, error) {
	s.state = StateConnecting
	logger.Debug(s.prefix, "connecting to %s", s.device.Name)

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	link, err := s.adapter.Connect(connectCtx, s.device.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, failure(FailureCancelled, ctx.Err())
		}
		return nil, failure(FailureConnectTimeout, err)
	}
	return link, nil
}

// negotiate moves Connecting → Negotiating → Ready: announce the
// transfer, learn the accepted chunk size and token.
func (s *Session) negotiate(ctx context.Context, link ble.Link) error {
	s.state = StateNegotiating

	begin := EncodeBegin(s.payload.TotalLength(), s.payload.Digest())
	if err := link.Write(ctx, ble.ControlCharUUID, begin); err != nil {
		return s.classifyLinkErr(ctx, err)
	}

	reply, err := link.AwaitNotification(ctx, ble.ControlCharUUID, s.cfg.NegotiateTimeout)
	if err != nil {
		return s.classifyAwaitErr(ctx, err, FailureLinkDropped)
	}
	frame, err := DecodeControl(reply)
	if err != nil {
		return failuref(FailureLinkDropped, "bad negotiation reply: %v", err)
	}

	switch frame.Op {
	case OpBeginOK:
		deviceChunk := int(frame.ChunkSize)
		s.chunkSize = s.cfg.PreferredChunkSize
		if deviceChunk < s.chunkSize {
			s.chunkSize = deviceChunk
		}
		// A chunk packet must fit in one write.
		if max := link.MTU() - ChunkHeaderSize; max > 0 && s.chunkSize > max {
			s.chunkSize = max
		}
		if s.chunkSize <= 0 {
			return failuref(FailureNegotiationRejected, "unusable chunk size %d", frame.ChunkSize)
		}
		s.token = frame.Token
		s.state = StateReady
		logger.Debug(s.prefix, "negotiated chunk size %d, token %08X", s.chunkSize, s.token)
		return nil
	case OpBeginReject:
		return failuref(FailureNegotiationRejected, "device rejected transfer (reason 0x%02X)", frame.Reason)
	default:
		return failuref(FailureLinkDropped, "unexpected opcode 0x%02X during negotiation", frame.Op)
	}
}

// transferChunks moves Ready → Transferring and pushes every chunk in
// strict sequence order with at most Window outstanding. The cursor
// never advances past an unacknowledged chunk.
func (s *Session) transferChunks(ctx context.Context, link ble.Link) error {
	s.state = StateTransferring

	chunker, err := NewChunker(s.payload, s.chunkSize)
	if err != nil {
		return failure(FailureNegotiationRejected, err)
	}
	count := uint32(chunker.Count())
	next := s.cursor // next sequence to put on the wire

	// Sequences on the wire still awaiting their ack. A sequence that
	// has been NACKed at least once is marked resent: a later chunk's
	// ack never implies anything about it, its verdict is its own.
	pending := make(map[uint32]bool)
	resent := make(map[uint32]bool)

	for s.cursor < count {
		// Cancellation is observed only here, at a chunk boundary, so
		// the device never sees a torn chunk.
		if err := ctx.Err(); err != nil {
			return failure(FailureCancelled, err)
		}

		// Fill the window.
		for next < count && next < s.cursor+uint32(s.cfg.Window) {
			if err := s.sendChunk(ctx, link, chunker, next); err != nil {
				return err
			}
			pending[next] = true
			next++
		}

		reply, err := link.AwaitNotification(ctx, ble.ControlCharUUID, s.cfg.AckTimeout)
		if err != nil {
			return s.classifyAwaitErr(ctx, err, FailureLinkDropped)
		}
		frame, err := DecodeControl(reply)
		if err != nil {
			return failuref(FailureLinkDropped, "bad control frame: %v", err)
		}

		switch frame.Op {
		case OpAck:
			seq := frame.Sequence
			if !pending[seq] {
				logger.Trace(s.prefix, "stale ACK for chunk %d, ignoring", seq)
				continue
			}
			delete(pending, seq)
			// The device processes writes in order, so this ack also
			// covers earlier in-flight sequences that were never NACKed.
			for m := s.cursor; m < seq; m++ {
				if pending[m] && !resent[m] {
					delete(pending, m)
				}
			}
			// The cursor is the lowest unacknowledged sequence; it
			// never passes a chunk still awaiting its ack.
			prev := s.cursor
			for s.cursor < next && !pending[s.cursor] {
				s.cursor++
			}
			if s.cursor != prev && s.onProgress != nil {
				s.onProgress(int(s.cursor), int(count))
			}
		case OpNack:
			seq := frame.Sequence
			if !pending[seq] {
				logger.Trace(s.prefix, "stale NACK for chunk %d, ignoring", seq)
				continue
			}
			s.attempts[seq]++
			if s.attempts[seq] > s.cfg.ChunkRetryBudget {
				return failuref(FailureChunkRetryExhausted,
					"chunk %d rejected %d times", seq, s.attempts[seq])
			}
			resent[seq] = true
			logger.Debug(s.prefix, "NACK for chunk %d (attempt %d), resending", seq, s.attempts[seq])
			if err := s.sendChunk(ctx, link, chunker, seq); err != nil {
				return err
			}
		default:
			return failuref(FailureLinkDropped, "unexpected opcode 0x%02X during transfer", frame.Op)
		}
	}

	return nil
}

// sendChunk regenerates and writes one chunk. Regeneration is
// deterministic, so a resend carries byte-identical content.
func (s *Session) sendChunk(ctx context.Context, link ble.Link, chunker *Chunker, seq uint32) error {
	chunk, err := chunker.ChunkAt(seq)
	if err != nil {
		return failure(FailureLinkDropped, err)
	}
	logger.Trace(s.prefix, "sending chunk %d (%d bytes, crc %08X)", seq, len(chunk.Bytes), chunk.CRC)
	if err := link.Write(ctx, ble.DataCharUUID, EncodeChunkPacket(chunk)); err != nil {
		return s.classifyLinkErr(ctx, err)
	}
	return nil
}

// finalize moves Transferring → Verifying and awaits the device's own
// whole-object digest verdict.
func (s *Session) finalize(ctx context.Context, link ble.Link) error {
	s.state = StateVerifying
	logger.Debug(s.prefix, "all chunks acknowledged, finalizing")

	if err := link.Write(ctx, ble.ControlCharUUID, EncodeFinalize(s.token)); err != nil {
		return s.classifyLinkErr(ctx, err)
	}

	reply, err := link.AwaitNotification(ctx, ble.ControlCharUUID, s.cfg.FinalizeTimeout)
	if err != nil {
		return s.classifyAwaitErr(ctx, err, FailureFinalizeTimeout)
	}
	frame, err := DecodeControl(reply)
	if err != nil {
		return failuref(FailureLinkDropped, "bad finalize reply: %v", err)
	}

	switch frame.Op {
	case OpFinalizeOK:
		return nil
	case OpFinalizeFail:
		return failuref(FailureDigestMismatch, "device reported verification failure (reason 0x%02X)", frame.Reason)
	default:
		return failuref(FailureLinkDropped, "unexpected opcode 0x%02X during finalize", frame.Op)
	}
}

// classifyLinkErr maps a write failure to the taxonomy: cancellation if
// the context is done, link drop otherwise.
func (s *Session) classifyLinkErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return failure(FailureCancelled, ctx.Err())
	}
	return failure(FailureLinkDropped, err)
}

// classifyAwaitErr maps a notification-await failure: cancellation,
// else the phase-appropriate timeout kind for ble.ErrTimeout, else a
// link drop.
func (s *Session) classifyAwaitErr(ctx context.Context, err error, timeoutKind FailureKind) error {
	if ctx.Err() != nil {
		return failure(FailureCancelled, ctx.Err())
	}
	if errors.Is(err, ble.ErrTimeout) {
		return failure(timeoutKind, err)
	}
	return failure(FailureLinkDropped, err)
}
