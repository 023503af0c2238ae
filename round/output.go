package round

import (
	"github.com/sig-0/go-tendermint/types"
)

// OutputType enumerates the effects the state machine requests
type OutputType int

const (
	// OutputProposal asks to sign and broadcast our proposal
	OutputProposal OutputType = iota

	// OutputVote asks to sign and broadcast our vote
	OutputVote

	// OutputScheduleTimeout asks to arm a step timer
	OutputScheduleTimeout

	// OutputGetValue asks the host to build a value to propose, with
	// the propose timer armed as the deadline
	OutputGetValue

	// OutputDecision announces the decided value
	OutputDecision

	// OutputSkipRound asks the driver to move to a higher round
	OutputSkipRound
)

// Output is a single effect request. Votes and proposals are unsigned;
// the engine signs them before broadcast
type Output struct {
	Type OutputType

	// Proposal is our unsigned proposal (OutputProposal)
	Proposal *types.Proposal

	// Vote is our unsigned vote (OutputVote)
	Vote *types.Vote

	// Timeout is the timer kind to arm (OutputScheduleTimeout, OutputGetValue)
	Timeout types.TimeoutKind

	// Round is the timer round, the decision round or the skip target
	Round int64

	// Value is the decided value (OutputDecision)
	Value []byte
}

func proposalOutput(state State, value []byte, validRound int64, address []byte) Output {
	return Output{
		Type: OutputProposal,
		Proposal: &types.Proposal{
			Height:     state.Height,
			Round:      state.Round,
			Value:      value,
			ValidRound: validRound,
			Proposer:   address,
		},
	}
}

func voteOutput(state State, voteType types.VoteType, valueID, address []byte) Output {
	return Output{
		Type: OutputVote,
		Vote: &types.Vote{
			Type:    voteType,
			Height:  state.Height,
			Round:   state.Round,
			ValueID: valueID,
			Voter:   address,
		},
	}
}

func timeoutOutput(kind types.TimeoutKind, round int64) Output {
	return Output{Type: OutputScheduleTimeout, Timeout: kind, Round: round}
}

func getValueOutput(round int64) Output {
	return Output{Type: OutputGetValue, Timeout: types.TimeoutPropose, Round: round}
}

func decisionOutput(round int64, value []byte) Output {
	return Output{Type: OutputDecision, Round: round, Value: value}
}

func skipRoundOutput(round int64) Output {
	return Output{Type: OutputSkipRound, Round: round}
}
