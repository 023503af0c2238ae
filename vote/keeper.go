package vote

import (
	"github.com/sig-0/go-tendermint/types"
)

// OutputType enumerates the threshold events the keeper emits
type OutputType int

const (
	// PolkaValue is a prevote quorum for a single value
	PolkaValue OutputType = iota

	// PolkaNil is a prevote quorum for nil
	PolkaNil

	// PolkaAny is a prevote quorum spread across values
	PolkaAny

	// PrecommitValue is a precommit quorum for a single value
	PrecommitValue

	// PrecommitAny is a precommit quorum spread across values
	PrecommitAny

	// SkipRound is f+1 voting power seen in a higher round
	SkipRound
)

// Output is a threshold event, emitted at most once per (round, event)
type Output struct {
	Type    OutputType
	Round   int64
	ValueID []byte
}

type emittedKey struct {
	typ   OutputType
	value string
}

// RoundVotes tallies both vote types for a single round
type RoundVotes struct {
	prevotes   *VoteCount
	precommits *VoteCount

	// voting power observed voting in this round, per address,
	// counted once regardless of vote type
	addressesWeights map[string]uint64

	emitted map[emittedKey]struct{}
}

func newRoundVotes(totalWeight uint64) *RoundVotes {
	return &RoundVotes{
		prevotes:         NewVoteCount(totalWeight),
		precommits:       NewVoteCount(totalWeight),
		addressesWeights: make(map[string]uint64),
		emitted:          make(map[emittedKey]struct{}),
	}
}

func (rv *RoundVotes) count(voteType types.VoteType) *VoteCount {
	if voteType == types.VoteTypePrevote {
		return rv.prevotes
	}

	return rv.precommits
}

func (rv *RoundVotes) observedWeight() uint64 {
	var sum uint64
	for _, weight := range rv.addressesWeights {
		sum += weight
	}

	return sum
}

// emit marks the output as delivered. Returns false if it already was
func (rv *RoundVotes) emit(out Output) bool {
	key := emittedKey{typ: out.Type, value: string(out.ValueID)}
	if _, ok := rv.emitted[key]; ok {
		return false
	}

	rv.emitted[key] = struct{}{}

	return true
}

// Keeper accumulates weighted votes for one height across all rounds
// and reports threshold events. Rounds materialize lazily, on the first
// vote that references them
type Keeper struct {
	validatorSet *types.ValidatorSet
	params       ThresholdParams
	rounds       map[int64]*RoundVotes
	evidence     *EvidenceMap
}

// NewKeeper creates a vote keeper for one height
func NewKeeper(validatorSet *types.ValidatorSet, params ThresholdParams) *Keeper {
	return &Keeper{
		validatorSet: validatorSet,
		params:       params,
		rounds:       make(map[int64]*RoundVotes),
		evidence:     NewEvidenceMap(),
	}
}

// TotalWeight returns the summed voting power of the validator set
func (k *Keeper) TotalWeight() uint64 {
	return k.validatorSet.TotalVotingPower()
}

// Evidence returns the recorded equivocation proofs
func (k *Keeper) Evidence() *EvidenceMap {
	return k.evidence
}

func (k *Keeper) roundVotes(round int64) *RoundVotes {
	rv, ok := k.rounds[round]
	if !ok {
		rv = newRoundVotes(k.TotalWeight())
		k.rounds[round] = rv
	}

	return rv
}

// ApplyVote adds the vote to the tally and returns the threshold event
// it triggers, if any. Votes from unknown validators are retained with
// zero weight and can never contribute to a threshold. A conflicting
// vote is recorded as equivocation evidence without being counted
func (k *Keeper) ApplyVote(vote *types.Vote, currentRound int64) *Output {
	var weight uint64
	if validator := k.validatorSet.GetByAddress(vote.Voter); validator != nil {
		weight = validator.VotingPower
	}

	var (
		rv    = k.roundVotes(vote.Round)
		count = rv.count(vote.Type)
	)

	added, conflicting := count.AddVote(vote, weight)
	if conflicting != nil {
		k.evidence.Add(conflicting, vote)

		return nil
	}

	if !added {
		// exact duplicate
		return nil
	}

	if _, ok := rv.addressesWeights[string(vote.Voter)]; !ok {
		rv.addressesWeights[string(vote.Voter)] = weight
	}

	// f+1 voting power in a round ahead of ours means at least one
	// correct validator has moved on
	if vote.Round > currentRound && k.params.Honest.IsMet(rv.observedWeight(), k.TotalWeight()) {
		out := Output{Type: SkipRound, Round: vote.Round}
		if rv.emit(out) {
			return &out
		}
	}

	threshold, valueID := count.Threshold(k.params.Quorum)

	out, ok := thresholdOutput(vote.Type, vote.Round, threshold, valueID)
	if !ok {
		return nil
	}

	if !rv.emit(out) {
		return nil
	}

	return &out
}

func thresholdOutput(voteType types.VoteType, round int64, threshold Threshold, valueID []byte) (Output, bool) {
	switch {
	case voteType == types.VoteTypePrevote && threshold == ThresholdValue:
		return Output{Type: PolkaValue, Round: round, ValueID: valueID}, true
	case voteType == types.VoteTypePrevote && threshold == ThresholdNil:
		return Output{Type: PolkaNil, Round: round}, true
	case voteType == types.VoteTypePrevote && threshold == ThresholdAny:
		return Output{Type: PolkaAny, Round: round}, true
	case voteType == types.VoteTypePrecommit && threshold == ThresholdValue:
		return Output{Type: PrecommitValue, Round: round, ValueID: valueID}, true
	case voteType == types.VoteTypePrecommit && threshold == ThresholdNil,
		voteType == types.VoteTypePrecommit && threshold == ThresholdAny:
		// a nil precommit quorum only ever schedules the precommit
		// timer, same as a split quorum
		return Output{Type: PrecommitAny, Round: round}, true
	default:
		return Output{}, false
	}
}

// IsThresholdMet checks a threshold without applying side effects
func (k *Keeper) IsThresholdMet(round int64, voteType types.VoteType, threshold Threshold, valueID []byte) bool {
	rv, ok := k.rounds[round]
	if !ok {
		return false
	}

	return rv.count(voteType).IsThresholdMet(k.params.Quorum, threshold, valueID)
}

// ApplyPolkaCertificate merges the certificate's prevotes into the
// tally and emits the polka threshold event. Invalid certificates are
// rejected without effect. Applying the same certificate twice leaves
// the tally unchanged
func (k *Keeper) ApplyPolkaCertificate(cert *types.PolkaCertificate) *Output {
	if err := cert.Validate(k.validatorSet, nil, nil); err != nil {
		return nil
	}

	return k.mergeCertificateVotes(cert.Round, types.VoteTypePrevote, cert.Votes)
}

// ApplyCommitCertificate merges the certificate's precommits into the
// tally and emits the precommit threshold event, see ApplyPolkaCertificate
func (k *Keeper) ApplyCommitCertificate(cert *types.CommitCertificate) *Output {
	if err := cert.Validate(k.validatorSet, nil, nil); err != nil {
		return nil
	}

	return k.mergeCertificateVotes(cert.Round, types.VoteTypePrecommit, cert.Votes)
}

func (k *Keeper) mergeCertificateVotes(round int64, voteType types.VoteType, votes []*types.Vote) *Output {
	var (
		rv    = k.roundVotes(round)
		count = rv.count(voteType)
	)

	for _, vote := range votes {
		var weight uint64
		if validator := k.validatorSet.GetByAddress(vote.Voter); validator != nil {
			weight = validator.VotingPower
		}

		added, conflicting := count.AddVote(vote, weight)
		if conflicting != nil {
			k.evidence.Add(conflicting, vote)

			continue
		}

		if !added {
			continue
		}

		if _, ok := rv.addressesWeights[string(vote.Voter)]; !ok {
			rv.addressesWeights[string(vote.Voter)] = weight
		}
	}

	threshold, valueID := count.Threshold(k.params.Quorum)

	out, ok := thresholdOutput(voteType, round, threshold, valueID)
	if !ok || out.Type != PolkaValue && out.Type != PrecommitValue {
		return nil
	}

	if !rv.emit(out) {
		return nil
	}

	return &out
}

// PolkaCertificate materializes a polka certificate for (round, value)
// from the retained prevotes, or nil if the quorum is not met
func (k *Keeper) PolkaCertificate(height uint64, round int64, valueID []byte) *types.PolkaCertificate {
	if !k.IsThresholdMet(round, types.VoteTypePrevote, ThresholdValue, valueID) {
		return nil
	}

	return &types.PolkaCertificate{
		Height:  height,
		Round:   round,
		ValueID: valueID,
		Votes:   k.rounds[round].prevotes.VotesFor(valueID),
	}
}

// CommitCertificate materializes a commit certificate for (round, value)
// from the retained precommits, or nil if the quorum is not met
func (k *Keeper) CommitCertificate(height uint64, round int64, valueID []byte) *types.CommitCertificate {
	if !k.IsThresholdMet(round, types.VoteTypePrecommit, ThresholdValue, valueID) {
		return nil
	}

	return &types.CommitCertificate{
		Height:  height,
		Round:   round,
		ValueID: valueID,
		Votes:   k.rounds[round].precommits.VotesFor(valueID),
	}
}
