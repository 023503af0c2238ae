package round

import (
	"github.com/sig-0/go-tendermint/types"
)

// Step is the phase of a round. Within a round, steps only move forward
type Step int8

const (
	StepUnstarted Step = iota
	StepPropose
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepUnstarted:
		return "unstarted"
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// RoundValue pairs a value (and its id) with the round it was locked
// or validated in
type RoundValue struct {
	Round int64
	Value []byte
	ID    []byte
}

// State is the consensus state of one validator for one (height, round).
// It holds no I/O, no clock and no storage; all of that lives with the
// driver and engine
type State struct {
	Height uint64
	Round  int64
	Step   Step

	// Locked is the last (round, value) this validator precommitted
	Locked *RoundValue

	// Valid is the most recent (round, value) with an observed polka
	Valid *RoundValue

	// Decision is set once a commit quorum for a valid proposal is
	// observed, together with the round it happened in
	Decision      []byte
	DecisionRound int64
}

// NewState returns the initial state for a height
func NewState(height uint64) State {
	return State{
		Height:        height,
		Round:         types.RoundNil,
		Step:          StepUnstarted,
		DecisionRound: types.RoundNil,
	}
}

// Info carries the immutable facts about an input: the round it is
// for, our own address, and the elected proposer of the current round
type Info struct {
	InputRound int64
	Address    []byte
	Proposer   []byte
}

// IsProposer reports whether we are the proposer of the current round
func (i Info) IsProposer() bool {
	return string(i.Address) == string(i.Proposer)
}
