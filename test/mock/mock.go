package mock

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	tendermint "github.com/sig-0/go-tendermint"
	"github.com/sig-0/go-tendermint/types"
)

// DefaultHasher hashes with Keccak-256
var DefaultHasher types.Hasher = types.HasherFn(func(data []byte) []byte {
	return crypto.Keccak256(data)
})

// Validator is a consensus actor with a real ed25519 key. Its address
// is its public key
type Validator struct {
	PrivKey ed25519.PrivateKey
	PubKey  ed25519.PublicKey
	Power   uint64
}

// NewValidators generates n validators with fresh keys and equal
// voting power 1, along with their validator set
func NewValidators(n int) ([]*Validator, *types.ValidatorSet) {
	return NewWeightedValidators(make([]uint64, n))
}

// NewWeightedValidators generates len(powers) validators with fresh
// keys; a zero power is bumped to 1
func NewWeightedValidators(powers []uint64) ([]*Validator, *types.ValidatorSet) {
	var (
		validators = make([]*Validator, 0, len(powers))
		members    = make([]*types.Validator, 0, len(powers))
	)

	for _, power := range powers {
		if power == 0 {
			power = 1
		}

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(fmt.Errorf("unable to generate key: %w", err))
		}

		validators = append(validators, &Validator{
			PrivKey: priv,
			PubKey:  pub,
			Power:   power,
		})

		members = append(members, &types.Validator{
			Address:     pub,
			PublicKey:   pub,
			VotingPower: power,
		})
	}

	set, err := types.NewValidatorSet(members)
	if err != nil {
		panic(fmt.Errorf("unable to build validator set: %w", err))
	}

	return validators, set
}

// Address returns the validator's address (its public key)
func (v *Validator) Address() []byte {
	return v.PubKey
}

// Sign signs the digest with the validator's ed25519 key
func (v *Validator) Sign(digest []byte) []byte {
	return ed25519.Sign(v.PrivKey, digest)
}

// SignVote fills in the vote's voter and signature
func (v *Validator) SignVote(vote *types.Vote) *types.Vote {
	vote.Voter = v.PubKey
	vote.Signature = v.Sign(DefaultHasher.Hash(vote.Payload()))

	return vote
}

// SignProposal fills in the proposal's proposer and signature
func (v *Validator) SignProposal(proposal *types.Proposal) *types.Proposal {
	proposal.Proposer = v.PubKey
	proposal.Signature = v.Sign(DefaultHasher.Hash(proposal.Payload()))

	return proposal
}

// Ed25519Verifier verifies signatures of validators whose address is
// their ed25519 public key
var Ed25519Verifier types.SignatureVerifier = types.SignatureVerifierFn(
	func(signer, digest, signature []byte) error {
		if len(signer) != ed25519.PublicKeySize {
			return errors.New("malformed public key")
		}

		if !ed25519.Verify(ed25519.PublicKey(signer), digest, signature) {
			return errors.New("signature mismatch")
		}

		return nil
	},
)

// Application is a configurable tendermint.Application; unset
// callbacks fall back to permissive defaults
type Application struct {
	GetValueFn            func(uint64, int64, time.Duration)
	ValidateValueFn       func(uint64, []byte) bool
	ExtendVoteFn          func(uint64, int64, []byte) []byte
	VerifyVoteExtensionFn func(uint64, *types.Vote) error
	DecideFn              func(uint64, int64, []byte, *types.CommitCertificate)
}

func (a Application) GetValue(height uint64, round int64, timeout time.Duration) {
	if a.GetValueFn != nil {
		a.GetValueFn(height, round, timeout)
	}
}

func (a Application) ValidateValue(height uint64, value []byte) bool {
	if a.ValidateValueFn != nil {
		return a.ValidateValueFn(height, value)
	}

	return true
}

func (a Application) ExtendVote(height uint64, round int64, valueID []byte) []byte {
	if a.ExtendVoteFn != nil {
		return a.ExtendVoteFn(height, round, valueID)
	}

	return nil
}

func (a Application) VerifyVoteExtension(height uint64, vote *types.Vote) error {
	if a.VerifyVoteExtensionFn != nil {
		return a.VerifyVoteExtensionFn(height, vote)
	}

	return nil
}

func (a Application) Decide(height uint64, round int64, value []byte, cert *types.CommitCertificate) {
	if a.DecideFn != nil {
		a.DecideFn(height, round, value, cert)
	}
}

// Scheduler is a configurable tendermint.TimeoutScheduler
type Scheduler struct {
	ScheduleTimeoutFn func(types.TimeoutKind, uint64, int64, time.Duration)
	CancelTimeoutsFn  func(uint64)
}

func (s Scheduler) ScheduleTimeout(kind types.TimeoutKind, height uint64, round int64, d time.Duration) {
	if s.ScheduleTimeoutFn != nil {
		s.ScheduleTimeoutFn(kind, height, round, d)
	}
}

func (s Scheduler) CancelTimeouts(height uint64) {
	if s.CancelTimeoutsFn != nil {
		s.CancelTimeoutsFn(height)
	}
}

// DummyTransport returns a transport that drops everything
func DummyTransport() tendermint.Transport {
	return tendermint.Transport{
		Proposal: func(_ *types.Proposal) {},
		Vote:     func(_ *types.Vote) {},
	}
}

// CapturingTransport returns a transport that appends every multicast
// message to the given slices
func CapturingTransport(proposals *[]*types.Proposal, votes *[]*types.Vote) tendermint.Transport {
	return tendermint.Transport{
		Proposal: func(p *types.Proposal) {
			*proposals = append(*proposals, p)
		},
		Vote: func(v *types.Vote) {
			*votes = append(*votes, v)
		},
	}
}

// FindValidator returns the validator with given address
func FindValidator(validators []*Validator, addr []byte) *Validator {
	for _, v := range validators {
		if bytes.Equal(v.PubKey, addr) {
			return v
		}
	}

	return nil
}
