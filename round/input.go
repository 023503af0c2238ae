package round

import (
	"github.com/sig-0/go-tendermint/types"
)

// InputType enumerates the multiplexed inputs of the state machine
type InputType int

const (
	// InputNewRound starts a round in which we are not the proposer
	InputNewRound InputType = iota

	// InputNewRoundProposer starts a round in which we are the proposer
	InputNewRoundProposer

	// InputProposeValue is the host's value for us to propose
	InputProposeValue

	// InputProposal is a valid proposal for the current round with no
	// proof-of-lock round
	InputProposal

	// InputProposalAndPolkaPrevious is a valid proposal re-proposing a
	// value whose polka happened in an earlier round
	InputProposalAndPolkaPrevious

	// InputProposalAndPolkaCurrent is a valid proposal backed by a
	// polka in the current round
	InputProposalAndPolkaCurrent

	// InputProposalAndPolkaInvalid is an application-invalid proposal
	// backed by a previous-round polka
	InputProposalAndPolkaInvalid

	// InputProposalInvalid is an application-invalid proposal for the
	// current round
	InputProposalInvalid

	// InputProposalAndCommit is a valid proposal backed by a commit
	// quorum: the decision short-cut, valid in any step before commit
	InputProposalAndCommit

	// InputPolkaNil is a prevote quorum for nil in the current round
	InputPolkaNil

	// InputPolkaAny is a prevote quorum spread across values
	InputPolkaAny

	// InputPrecommitAny is a precommit quorum spread across values
	InputPrecommitAny

	// InputSkipRound is f+1 voting power observed in a higher round
	InputSkipRound

	// InputTimeoutPropose, InputTimeoutPrevote and InputTimeoutPrecommit
	// are the expired step timers of the current round
	InputTimeoutPropose
	InputTimeoutPrevote
	InputTimeoutPrecommit
)

// Input is a single multiplexed input for the state machine. Only the
// fields relevant to the Type are set
type Input struct {
	Type InputType

	// Round is the started round (NewRound*) or target round (SkipRound)
	Round int64

	// Value is the host-built value (ProposeValue)
	Value []byte

	// Proposal backs all Proposal* inputs
	Proposal *types.Proposal

	// ValueID is the id of the proposal's value (Proposal* inputs) or
	// of the host-built value (ProposeValue), computed by the driver
	ValueID []byte
}
