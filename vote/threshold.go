package vote

// Threshold classifies the accumulated weight on a VoteCount
type Threshold int

const (
	// ThresholdUnreached means no quorum of any kind has accumulated
	ThresholdUnreached Threshold = iota

	// ThresholdAny is a quorum of votes, not all for the same value
	ThresholdAny

	// ThresholdNil is a quorum of votes for nil
	ThresholdNil

	// ThresholdValue is a quorum of votes for a single value
	ThresholdValue
)

// Fraction is a strict weight fraction: met when weight * Den > total * Num
type Fraction struct {
	Num, Den uint64
}

// IsMet reports whether weight is strictly above the fraction of total
func (f Fraction) IsMet(weight, total uint64) bool {
	return weight*f.Den > total*f.Num
}

// ThresholdParams fixes the voting power fractions of the consensus
// variant. Tendermint (n = 3f+1) uses a 2/3 quorum and a 1/3 skip
// threshold, both strict
type ThresholdParams struct {
	// Quorum is the fraction needed to make progress (2f+1)
	Quorum Fraction

	// Honest is the fraction guaranteeing at least one correct
	// validator (f+1), used for round skipping
	Honest Fraction
}

// DefaultThresholdParams returns the Tendermint thresholds
func DefaultThresholdParams() ThresholdParams {
	return ThresholdParams{
		Quorum: Fraction{Num: 2, Den: 3},
		Honest: Fraction{Num: 1, Den: 3},
	}
}
