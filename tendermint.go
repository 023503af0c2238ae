package tendermint

import (
	"time"

	"github.com/sig-0/go-tendermint/types"
)

// Message is an opaque wrapper for the consensus messages accepted by
// the engine: *types.Vote, *types.Proposal, *types.PolkaCertificate
// and *types.CommitCertificate
type Message interface {
	// Bytes returns the canonical encoding of the message
	Bytes() []byte
}

// TransportFn multicasts a single message type to the network
type TransportFn[M Message] func(M)

// Transport is used to gossip signed consensus messages to the network.
// Multicast is expected to loop the message back to this node's peers
// only; the engine self-delivers its own messages
type Transport struct {
	Proposal TransportFn[*types.Proposal]
	Vote     TransportFn[*types.Vote]
}

// IsValid checks if all transport callbacks are set
func (t Transport) IsValid() bool {
	return t.Proposal != nil && t.Vote != nil
}

// Application is the host side of consensus: it builds and validates
// the values being agreed on and receives the decisions
type Application interface {
	// GetValue asks the application to build a value for (height,
	// round). The call must not block: the application responds by
	// calling Engine.ProposeValue before the given deadline elapses
	GetValue(height uint64, round int64, timeout time.Duration)

	// ValidateValue checks if the value is valid for given height
	ValidateValue(height uint64, value []byte) bool

	// ExtendVote returns the opaque payload to attach to this node's
	// precommit for (height, round, value). May return nil
	ExtendVote(height uint64, round int64, valueID []byte) []byte

	// VerifyVoteExtension checks the extension attached to a received
	// precommit. A non-nil error drops the vote
	VerifyVoteExtension(height uint64, vote *types.Vote) error

	// Decide hands the decided value and its commit certificate to
	// the application. The application starts the next height once
	// the decision is durably stored
	Decide(height uint64, round int64, value []byte, certificate *types.CommitCertificate)
}

// TimeoutScheduler arms and cancels the engine's step timers. The host
// owns the clock: when an armed timer expires, it calls
// Engine.TimeoutElapsed with the same (kind, height, round)
type TimeoutScheduler interface {
	// ScheduleTimeout arms a timer. Arming the same (kind, height,
	// round) twice resets it
	ScheduleTimeout(kind types.TimeoutKind, height uint64, round int64, duration time.Duration)

	// CancelTimeouts cancels all timers armed for given height
	CancelTimeouts(height uint64)
}

type (
	TimeoutSchedulerFns struct {
		ScheduleTimeoutFn func(types.TimeoutKind, uint64, int64, time.Duration)
		CancelTimeoutsFn  func(uint64)
	}
)

func (s TimeoutSchedulerFns) ScheduleTimeout(
	kind types.TimeoutKind,
	height uint64,
	round int64,
	duration time.Duration,
) {
	s.ScheduleTimeoutFn(kind, height, round, duration)
}

func (s TimeoutSchedulerFns) CancelTimeouts(height uint64) {
	s.CancelTimeoutsFn(height)
}
