package round

import (
	"bytes"

	"github.com/sig-0/go-tendermint/types"
)

// Apply feeds one input to the state machine and returns the new state
// together with the requested effects. Apply is a total function: an
// input that matches no transition leaves the state untouched and
// requests nothing.
//
// The transitions implement Algorithm 1 of "The latest gossip on BFT
// consensus" (Buchman, Kwon, Milosevic 2018); comments reference its
// line numbers
func Apply(state State, info Info, input Input) (State, []Output) {
	thisRound := state.Round == info.InputRound

	switch input.Type {
	// L11, L14, L20
	case InputNewRound, InputNewRoundProposer:
		if state.Step != StepUnstarted {
			return state, nil
		}

		state.Round = input.Round
		state.Step = StepPropose

		if input.Type == InputNewRound {
			return state, outputs(timeoutOutput(types.TimeoutPropose, state.Round))
		}

		// L16: re-propose the valid value if we have one
		if state.Valid != nil {
			return state, outputs(
				proposalOutput(state, state.Valid.Value, state.Valid.Round, info.Address),
				timeoutOutput(types.TimeoutPropose, state.Round),
			)
		}

		// L18: ask the host for a value, with the propose timer as deadline
		return state, outputs(getValueOutput(state.Round))

	// L17-L19
	case InputProposeValue:
		if state.Step != StepPropose || !thisRound || !info.IsProposer() {
			return state, nil
		}

		return state, outputs(proposalOutput(state, input.Value, types.RoundNil, info.Address))

	// L22
	case InputProposal:
		if state.Step != StepPropose || !thisRound || input.Proposal.ValidRound != types.RoundNil {
			return state, nil
		}

		state.Step = StepPrevote

		// L24/L26: prevote the value unless locked on a different one
		if state.Locked != nil && !bytes.Equal(state.Locked.ID, input.ValueID) {
			return state, outputs(voteOutput(state, types.VoteTypePrevote, nil, info.Address))
		}

		return state, outputs(voteOutput(state, types.VoteTypePrevote, input.ValueID, info.Address))

	// L28
	case InputProposalAndPolkaPrevious:
		vr := input.Proposal.ValidRound
		if state.Step != StepPropose || !thisRound || vr == types.RoundNil || vr >= state.Round {
			return state, nil
		}

		state.Step = StepPrevote

		// L30/L32: the polka unlocks us unless we locked a different
		// value in a round newer than the polka's
		prevoteValue := state.Locked == nil ||
			state.Locked.Round <= vr ||
			bytes.Equal(state.Locked.ID, input.ValueID)

		if !prevoteValue {
			return state, outputs(voteOutput(state, types.VoteTypePrevote, nil, info.Address))
		}

		return state, outputs(voteOutput(state, types.VoteTypePrevote, input.ValueID, info.Address))

	// L22/L26, L28/L32
	case InputProposalInvalid, InputProposalAndPolkaInvalid:
		if state.Step != StepPropose || !thisRound {
			return state, nil
		}

		state.Step = StepPrevote

		return state, outputs(voteOutput(state, types.VoteTypePrevote, nil, info.Address))

	// L57
	case InputTimeoutPropose:
		if state.Step != StepPropose || !thisRound {
			return state, nil
		}

		state.Step = StepPrevote

		return state, outputs(voteOutput(state, types.VoteTypePrevote, nil, info.Address))

	// L34
	case InputPolkaAny:
		if state.Step != StepPrevote || !thisRound {
			return state, nil
		}

		return state, outputs(timeoutOutput(types.TimeoutPrevote, state.Round))

	// L44
	case InputPolkaNil:
		if state.Step != StepPrevote || !thisRound {
			return state, nil
		}

		state.Step = StepPrecommit

		return state, outputs(voteOutput(state, types.VoteTypePrecommit, nil, info.Address))

	// L36
	case InputProposalAndPolkaCurrent:
		if !thisRound {
			return state, nil
		}

		switch state.Step {
		case StepPrevote:
			// L37-L41: lock and precommit the value
			state.Locked = &RoundValue{Round: state.Round, Value: input.Proposal.Value, ID: input.ValueID}
			state.Valid = &RoundValue{Round: state.Round, Value: input.Proposal.Value, ID: input.ValueID}
			state.Step = StepPrecommit

			return state, outputs(voteOutput(state, types.VoteTypePrecommit, input.ValueID, info.Address))
		case StepPrecommit:
			// L42-L43: refresh the valid value only
			state.Valid = &RoundValue{Round: state.Round, Value: input.Proposal.Value, ID: input.ValueID}

			return state, nil
		default:
			return state, nil
		}

	// L61
	case InputTimeoutPrevote:
		if state.Step != StepPrevote || !thisRound {
			return state, nil
		}

		state.Step = StepPrecommit

		return state, outputs(voteOutput(state, types.VoteTypePrecommit, nil, info.Address))

	// L47
	case InputPrecommitAny:
		if state.Step == StepCommit || !thisRound {
			return state, nil
		}

		return state, outputs(timeoutOutput(types.TimeoutPrecommit, state.Round))

	// L65
	case InputTimeoutPrecommit:
		if state.Step == StepCommit || !thisRound {
			return state, nil
		}

		state.Step = StepUnstarted

		return state, outputs(skipRoundOutput(state.Round + 1))

	// L55
	case InputSkipRound:
		if state.Step == StepCommit || input.Round <= state.Round {
			return state, nil
		}

		state.Step = StepUnstarted

		return state, outputs(skipRoundOutput(input.Round))

	// L49
	case InputProposalAndCommit:
		if state.Decision != nil || state.Step == StepCommit {
			return state, nil
		}

		state.Decision = input.Proposal.Value
		state.DecisionRound = input.Proposal.Round
		state.Step = StepCommit

		return state, outputs(decisionOutput(input.Proposal.Round, input.Proposal.Value))

	default:
		return state, nil
	}
}

func outputs(out ...Output) []Output {
	return out
}
