package driver

import (
	"bytes"

	"github.com/sig-0/go-tendermint/round"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/vote"
)

// The multiplexer translates (incoming message, vote keeper event,
// stored proposals, current step) into exactly one state machine
// input. The tables it implements:
//
//	| Step      | Keeper event       | Proposal       | State machine input       |
//	|-----------|--------------------|----------------|---------------------------|
//	| any       | PrecommitValue(v)  | Proposal(v)    | ProposalAndCommit         |
//	| any       | PrecommitAny       | *              | PrecommitAny              |
//	| propose   | none               | invalid        | ProposalInvalid           |
//	| propose   | none               | Proposal       | Proposal                  |
//	| propose   | PolkaPrevious(v,r) | invalid (v,r)  | ProposalAndPolkaInvalid   |
//	| propose   | PolkaPrevious(v,r) | Proposal(v,r)  | ProposalAndPolkaPrevious  |
//	| prevote   | PolkaNil           | *              | PolkaNil                  |
//	| prevote   | PolkaValue(v)      | Proposal(v)    | ProposalAndPolkaCurrent   |
//	| prevote   | PolkaAny           | *              | PolkaAny                  |
//	| precommit | PolkaValue(v)      | Proposal(v)    | ProposalAndPolkaCurrent   |

// multiplexProposal classifies a freshly received (and stored)
// proposal relative to the current step and the accumulated votes
func (d *Driver) multiplexProposal(p *types.Proposal, validity bool) (round.Input, int64, bool) {
	if d.state.Round == types.RoundNil {
		return round.Input{}, 0, false
	}

	valueID := d.hasher.Hash(p.Value)

	// a polka from the proposal's proof-of-lock round justifies
	// re-proposing a value from an earlier round
	polkaPrevious := p.ValidRound != types.RoundNil &&
		p.ValidRound < d.state.Round &&
		d.keeper.IsThresholdMet(p.ValidRound, types.VoteTypePrevote, vote.ThresholdValue, valueID)

	if !validity {
		if d.state.Step != round.StepPropose {
			return round.Input{}, 0, false
		}

		if p.ValidRound == types.RoundNil {
			return round.Input{Type: round.InputProposalInvalid, Proposal: p, ValueID: valueID}, p.Round, true
		}

		if polkaPrevious {
			return round.Input{Type: round.InputProposalAndPolkaInvalid, Proposal: p, ValueID: valueID}, p.Round, true
		}

		return round.Input{}, 0, false
	}

	// a commit quorum from any round decides, regardless of step
	if d.state.Decision == nil &&
		d.keeper.IsThresholdMet(p.Round, types.VoteTypePrecommit, vote.ThresholdValue, valueID) {
		return round.Input{Type: round.InputProposalAndCommit, Proposal: p, ValueID: valueID}, d.state.Round, true
	}

	// from here on the proposal must be for the current round
	if p.Round != d.state.Round {
		return round.Input{}, 0, false
	}

	if d.state.Step >= round.StepPrevote &&
		d.keeper.IsThresholdMet(p.Round, types.VoteTypePrevote, vote.ThresholdValue, valueID) {
		return round.Input{Type: round.InputProposalAndPolkaCurrent, Proposal: p, ValueID: valueID}, p.Round, true
	}

	if d.state.Step == round.StepPropose && polkaPrevious {
		return round.Input{Type: round.InputProposalAndPolkaPrevious, Proposal: p, ValueID: valueID}, p.Round, true
	}

	return round.Input{Type: round.InputProposal, Proposal: p, ValueID: valueID}, p.Round, true
}

// multiplexThreshold pairs a vote keeper event with the stored
// proposals to synthesize the state machine input
func (d *Driver) multiplexThreshold(out *vote.Output) (round.Input, int64, bool) {
	switch out.Type {
	case vote.PolkaValue:
		if out.Round == d.state.Round {
			if entry := d.findProposal(out.Round, out.ValueID); entry != nil {
				return round.Input{
					Type:     round.InputProposalAndPolkaCurrent,
					Proposal: entry.proposal,
					ValueID:  out.ValueID,
				}, out.Round, true
			}

			return round.Input{Type: round.InputPolkaAny}, out.Round, true
		}

		// the polka is from an earlier round; it is usable if the
		// current round re-proposes the same value with that
		// proof-of-lock round
		if out.Round < d.state.Round {
			if reproposal := d.findReproposal(out.Round, out.ValueID); reproposal != nil {
				return round.Input{
					Type:     round.InputProposalAndPolkaPrevious,
					Proposal: reproposal,
					ValueID:  out.ValueID,
				}, d.state.Round, true
			}
		}

		return round.Input{}, 0, false

	case vote.PolkaNil:
		if out.Round != d.state.Round {
			return round.Input{}, 0, false
		}

		return round.Input{Type: round.InputPolkaNil}, out.Round, true

	case vote.PolkaAny:
		if out.Round != d.state.Round {
			return round.Input{}, 0, false
		}

		return round.Input{Type: round.InputPolkaAny}, out.Round, true

	case vote.PrecommitValue:
		if entry := d.findProposal(out.Round, out.ValueID); entry != nil {
			return round.Input{
				Type:     round.InputProposalAndCommit,
				Proposal: entry.proposal,
				ValueID:  out.ValueID,
			}, d.state.Round, true
		}

		if out.Round == d.state.Round {
			return round.Input{Type: round.InputPrecommitAny}, out.Round, true
		}

		return round.Input{}, 0, false

	case vote.PrecommitAny:
		if out.Round != d.state.Round {
			return round.Input{}, 0, false
		}

		return round.Input{Type: round.InputPrecommitAny}, out.Round, true

	case vote.SkipRound:
		if out.Round <= d.state.Round {
			return round.Input{}, 0, false
		}

		return round.Input{Type: round.InputSkipRound, Round: out.Round}, out.Round, true

	default:
		return round.Input{}, 0, false
	}
}

// stepChangeInputs resynthesizes inputs that may have become
// applicable after a step change, from the proposal store and the
// vote keeper's accumulated state
func (d *Driver) stepChangeInputs() []queuedInput {
	// a round that just ended resynthesizes nothing; the new round's
	// NewRound input triggers its own step change
	if d.state.Step == round.StepUnstarted || d.state.Round == types.RoundNil {
		return nil
	}

	var (
		result []queuedInput
		r      = d.state.Round
	)

	if entry := d.anyValidProposal(r); entry != nil {
		valueID := d.hasher.Hash(entry.proposal.Value)

		switch d.state.Step {
		case round.StepPropose:
			if input, inputRound, ok := d.multiplexProposal(entry.proposal, entry.valid); ok {
				result = append(result, queuedInput{input: input, round: inputRound})
			}
		case round.StepPrevote, round.StepPrecommit:
			if entry.valid && d.keeper.IsThresholdMet(r, types.VoteTypePrevote, vote.ThresholdValue, valueID) {
				result = append(result, queuedInput{
					input: round.Input{
						Type:     round.InputProposalAndPolkaCurrent,
						Proposal: entry.proposal,
						ValueID:  valueID,
					},
					round: r,
				})
			}
		}
	}

	if input, inputRound, ok := d.nonValueThreshold(r); ok {
		result = append(result, queuedInput{input: input, round: inputRound})
	}

	return result
}

func (d *Driver) nonValueThreshold(r int64) (round.Input, int64, bool) {
	switch {
	case d.keeper.IsThresholdMet(r, types.VoteTypePrecommit, vote.ThresholdAny, nil):
		return round.Input{Type: round.InputPrecommitAny}, r, true
	case d.keeper.IsThresholdMet(r, types.VoteTypePrevote, vote.ThresholdNil, nil):
		return round.Input{Type: round.InputPolkaNil}, r, true
	case d.keeper.IsThresholdMet(r, types.VoteTypePrevote, vote.ThresholdAny, nil):
		return round.Input{Type: round.InputPolkaAny}, r, true
	default:
		return round.Input{}, 0, false
	}
}

// findProposal returns the stored valid proposal for (round, value),
// preferring the first one whose value matches
func (d *Driver) findProposal(r int64, valueID []byte) *proposalEntry {
	for i := range d.proposals[r] {
		entry := &d.proposals[r][i]
		if !entry.valid {
			continue
		}

		if bytes.Equal(d.hasher.Hash(entry.proposal.Value), valueID) {
			return entry
		}
	}

	return nil
}

// findReproposal returns a valid current-round proposal that
// re-proposes the value polkaed in round vr
func (d *Driver) findReproposal(vr int64, valueID []byte) *types.Proposal {
	for i := range d.proposals[d.state.Round] {
		entry := &d.proposals[d.state.Round][i]
		if !entry.valid || entry.proposal.ValidRound != vr {
			continue
		}

		if bytes.Equal(d.hasher.Hash(entry.proposal.Value), valueID) {
			return entry.proposal
		}
	}

	return nil
}

// anyValidProposal returns the first stored valid proposal for the
// round, or the first stored proposal when none of them is valid
func (d *Driver) anyValidProposal(r int64) *proposalEntry {
	for i := range d.proposals[r] {
		if d.proposals[r][i].valid {
			return &d.proposals[r][i]
		}
	}

	if entries := d.proposals[r]; len(entries) > 0 {
		return &entries[0]
	}

	return nil
}
