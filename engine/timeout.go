package engine

import (
	"time"

	"github.com/sig-0/go-tendermint/types"
)

// TimeoutPolicy fixes how long each step timer runs. Durations grow
// linearly with the round number, giving slow validators progressively
// more time to catch up after failed rounds
type TimeoutPolicy struct {
	ProposeBase    time.Duration
	ProposeDelta   time.Duration
	PrevoteBase    time.Duration
	PrevoteDelta   time.Duration
	PrecommitBase  time.Duration
	PrecommitDelta time.Duration
}

// DefaultTimeoutPolicy returns the timeouts commonly run in production
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		ProposeBase:    3 * time.Second,
		ProposeDelta:   500 * time.Millisecond,
		PrevoteBase:    time.Second,
		PrevoteDelta:   500 * time.Millisecond,
		PrecommitBase:  time.Second,
		PrecommitDelta: 500 * time.Millisecond,
	}
}

// IsValid checks that all base durations are positive
func (p TimeoutPolicy) IsValid() bool {
	return p.ProposeBase > 0 && p.PrevoteBase > 0 && p.PrecommitBase > 0
}

// Duration returns the timer duration for given kind and round
func (p TimeoutPolicy) Duration(kind types.TimeoutKind, round int64) time.Duration {
	switch kind {
	case types.TimeoutPropose:
		return p.ProposeBase + time.Duration(round)*p.ProposeDelta
	case types.TimeoutPrevote:
		return p.PrevoteBase + time.Duration(round)*p.PrevoteDelta
	case types.TimeoutPrecommit:
		return p.PrecommitBase + time.Duration(round)*p.PrecommitDelta
	default:
		return 0
	}
}
