package vote

import (
	"bytes"

	"github.com/sig-0/go-tendermint/types"
)

// nilKey indexes nil votes in a weight map (a value id is never empty)
const nilKey = ""

// valuesWeights accumulates voting power per value id (or nil)
type valuesWeights struct {
	weights map[string]uint64
}

func newValuesWeights() valuesWeights {
	return valuesWeights{weights: make(map[string]uint64)}
}

func (vw valuesWeights) addWeight(valueID []byte, weight uint64) uint64 {
	vw.weights[string(valueID)] += weight

	return vw.weights[string(valueID)]
}

func (vw valuesWeights) weightFor(valueID []byte) uint64 {
	return vw.weights[string(valueID)]
}

func (vw valuesWeights) sum() uint64 {
	var sum uint64
	for _, weight := range vw.weights {
		sum += weight
	}

	return sum
}

// VoteCount tallies votes of a single type for a single round. Each
// address contributes weight at most once; a conflicting second vote
// from the same address is surfaced to the caller instead of counted
type VoteCount struct {
	totalWeight uint64
	values      valuesWeights
	votes       map[string]*types.Vote // by voter address
}

func NewVoteCount(totalWeight uint64) *VoteCount {
	return &VoteCount{
		totalWeight: totalWeight,
		values:      newValuesWeights(),
		votes:       make(map[string]*types.Vote),
	}
}

// AddVote registers the vote with given weight. The returned vote is
// nil if the vote was added (or was an exact duplicate), otherwise it
// is the previously registered conflicting vote from the same address
func (vc *VoteCount) AddVote(vote *types.Vote, weight uint64) (added bool, conflicting *types.Vote) {
	existing, ok := vc.votes[string(vote.Voter)]
	if ok {
		if bytes.Equal(existing.ValueID, vote.ValueID) {
			return false, nil
		}

		return false, existing
	}

	vc.votes[string(vote.Voter)] = vote
	vc.values.addWeight(vote.ValueID, weight)

	return true, nil
}

// Threshold computes the strongest threshold currently reached.
// The value id accompanying ThresholdValue is the quorum value
func (vc *VoteCount) Threshold(quorum Fraction) (Threshold, []byte) {
	for key, weight := range vc.values.weights {
		if key == nilKey || !quorum.IsMet(weight, vc.totalWeight) {
			continue
		}

		return ThresholdValue, []byte(key)
	}

	if quorum.IsMet(vc.values.weightFor(nil), vc.totalWeight) {
		return ThresholdNil, nil
	}

	if quorum.IsMet(vc.values.sum(), vc.totalWeight) {
		return ThresholdAny, nil
	}

	return ThresholdUnreached, nil
}

// IsThresholdMet checks a specific threshold without side effects
func (vc *VoteCount) IsThresholdMet(quorum Fraction, threshold Threshold, valueID []byte) bool {
	switch threshold {
	case ThresholdValue:
		return quorum.IsMet(vc.values.weightFor(valueID), vc.totalWeight)
	case ThresholdNil:
		return quorum.IsMet(vc.values.weightFor(nil), vc.totalWeight)
	case ThresholdAny:
		return quorum.IsMet(vc.values.sum(), vc.totalWeight)
	default:
		return false
	}
}

// VotesFor returns the retained votes for given value id
func (vc *VoteCount) VotesFor(valueID []byte) []*types.Vote {
	votes := make([]*types.Vote, 0, len(vc.votes))
	for _, vote := range vc.votes {
		if bytes.Equal(vote.ValueID, valueID) {
			votes = append(votes, vote)
		}
	}

	return votes
}

// HasVoted reports whether the address already contributed a vote
func (vc *VoteCount) HasVoted(addr []byte) bool {
	_, ok := vc.votes[string(addr)]

	return ok
}
