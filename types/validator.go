package types

import (
	"bytes"
	"fmt"
)

// Validator is a single consensus actor with weighted voting power
type Validator struct {
	Address     []byte
	PublicKey   []byte
	VotingPower uint64
}

// ValidatorSet is the ordered set of validators for one height. The
// order is fixed at construction and determines proposer election
type ValidatorSet struct {
	validators []*Validator
	totalPower uint64
	byAddress  map[string]*Validator
}

// NewValidatorSet builds a set from an ordered validator list.
// Duplicate addresses are rejected
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	vs := &ValidatorSet{
		validators: validators,
		byAddress:  make(map[string]*Validator, len(validators)),
	}

	for _, v := range validators {
		if len(v.Address) == 0 {
			return nil, fmt.Errorf("validator with empty address")
		}

		if _, ok := vs.byAddress[string(v.Address)]; ok {
			return nil, fmt.Errorf("duplicate validator %x", v.Address)
		}

		vs.byAddress[string(v.Address)] = v
		vs.totalPower += v.VotingPower
	}

	return vs, nil
}

// Len returns the number of validators in the set
func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// TotalVotingPower returns the summed voting power of the set
func (vs *ValidatorSet) TotalVotingPower() uint64 {
	return vs.totalPower
}

// GetByAddress returns the validator with given address, or nil
func (vs *ValidatorSet) GetByAddress(addr []byte) *Validator {
	return vs.byAddress[string(addr)]
}

// IsValidator checks if addr is part of consensus for this height
func (vs *ValidatorSet) IsValidator(addr []byte) bool {
	return vs.GetByAddress(addr) != nil
}

// Proposer returns the address of the validator elected to propose in
// (height, round). Election walks the canonical order, offset by both
// height and round so leadership rotates across heights and moves on
// every failed round
func (vs *ValidatorSet) Proposer(height uint64, round int64) []byte {
	if len(vs.validators) == 0 {
		return nil
	}

	idx := (height + uint64(round)) % uint64(len(vs.validators))

	return vs.validators[idx].Address
}

// IsProposer asserts if addr is the elected proposer for (height, round)
func (vs *ValidatorSet) IsProposer(addr []byte, height uint64, round int64) bool {
	return bytes.Equal(addr, vs.Proposer(height, round))
}

// Validators returns the ordered validator list
func (vs *ValidatorSet) Validators() []*Validator {
	return vs.validators
}
