package types

import (
	"bytes"
	"fmt"
)

// PolkaCertificate is a set of prevotes carrying more than 2/3 of the
// total voting power, all for the same (height, round, value)
type PolkaCertificate struct {
	Height  uint64
	Round   int64
	ValueID []byte
	Votes   []*Vote
}

// CommitCertificate is a set of precommits carrying more than 2/3 of
// the total voting power, all for the same (height, round, value).
// It is the transferable evidence of a decision
type CommitCertificate struct {
	Height  uint64
	Round   int64
	ValueID []byte
	Votes   []*Vote
}

// Validate checks the certificate against the validity predicate:
// uniform (height, round, type, value id) across all votes, a non-nil
// value, no duplicate voters, summed voter power above 2/3 of the
// set's total, and a verifiable signature on every vote
func (c *PolkaCertificate) Validate(vs *ValidatorSet, hasher Hasher, verifier SignatureVerifier) error {
	return validateCertificate(VoteTypePrevote, c.Height, c.Round, c.ValueID, c.Votes, vs, hasher, verifier)
}

// Validate checks the certificate, see PolkaCertificate.Validate
func (c *CommitCertificate) Validate(vs *ValidatorSet, hasher Hasher, verifier SignatureVerifier) error {
	return validateCertificate(VoteTypePrecommit, c.Height, c.Round, c.ValueID, c.Votes, vs, hasher, verifier)
}

func validateCertificate(
	voteType VoteType,
	height uint64,
	round int64,
	valueID []byte,
	votes []*Vote,
	vs *ValidatorSet,
	hasher Hasher,
	verifier SignatureVerifier,
) error {
	if len(valueID) == 0 {
		return fmt.Errorf("%w: certificate for nil value", ErrInvalidCertificate)
	}

	if len(votes) == 0 {
		return fmt.Errorf("%w: no votes", ErrInvalidCertificate)
	}

	var (
		power  uint64
		voters = make(map[string]struct{}, len(votes))
	)

	for _, vote := range votes {
		if vote.Type != voteType || vote.Height != height || vote.Round != round {
			return fmt.Errorf("%w: vote for wrong (height, round, type)", ErrInvalidCertificate)
		}

		if !bytes.Equal(vote.ValueID, valueID) {
			return fmt.Errorf("%w: vote for wrong value", ErrInvalidCertificate)
		}

		if _, ok := voters[string(vote.Voter)]; ok {
			return fmt.Errorf("%w: duplicate voter %x", ErrInvalidCertificate, vote.Voter)
		}

		voters[string(vote.Voter)] = struct{}{}

		validator := vs.GetByAddress(vote.Voter)
		if validator == nil {
			return fmt.Errorf("%w: unknown voter %x", ErrInvalidCertificate, vote.Voter)
		}

		if verifier != nil {
			digest := hasher.Hash(vote.Payload())
			if err := verifier.Verify(vote.Voter, digest, vote.Signature); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
			}
		}

		power += validator.VotingPower
	}

	if 3*power <= 2*vs.TotalVotingPower() {
		return fmt.Errorf("%w: insufficient voting power", ErrInvalidCertificate)
	}

	return nil
}

const (
	certFieldHeight  = 1
	certFieldRound   = 2
	certFieldValueID = 3
	certFieldVote    = 4
)

func marshalCertificate(height uint64, round int64, valueID []byte, votes []*Vote) []byte {
	bz := make([]byte, 0, 64+len(votes)*96)
	bz = appendUint(bz, certFieldHeight, height)
	bz = appendInt(bz, certFieldRound, round)
	bz = appendBytes(bz, certFieldValueID, valueID)

	for _, vote := range votes {
		bz = appendBytes(bz, certFieldVote, vote.Bytes())
	}

	return bz
}

func unmarshalCertificate(bz []byte) (uint64, int64, []byte, []*Vote, error) {
	var (
		height  uint64
		round   int64
		valueID []byte
		votes   []*Vote

		d = decoder{bz: bz}
	)

	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}

		switch num {
		case certFieldHeight:
			height = d.uint()
		case certFieldRound:
			round = d.int()
		case certFieldValueID:
			valueID = d.bytes()
		case certFieldVote:
			vote, err := UnmarshalVote(d.bytes())
			if err != nil {
				return 0, 0, nil, nil, err
			}

			votes = append(votes, vote)
		default:
			d.skip(num, typ)
		}
	}

	if d.err != nil {
		return 0, 0, nil, nil, fmt.Errorf("%w: %w", ErrInvalidCertificate, d.err)
	}

	return height, round, valueID, votes, nil
}

// Bytes returns the canonical encoding of the certificate
func (c *PolkaCertificate) Bytes() []byte {
	return marshalCertificate(c.Height, c.Round, c.ValueID, c.Votes)
}

// Bytes returns the canonical encoding of the certificate
func (c *CommitCertificate) Bytes() []byte {
	return marshalCertificate(c.Height, c.Round, c.ValueID, c.Votes)
}

// UnmarshalPolkaCertificate decodes a polka certificate from its canonical encoding
func UnmarshalPolkaCertificate(bz []byte) (*PolkaCertificate, error) {
	height, round, valueID, votes, err := unmarshalCertificate(bz)
	if err != nil {
		return nil, err
	}

	return &PolkaCertificate{Height: height, Round: round, ValueID: valueID, Votes: votes}, nil
}

// UnmarshalCommitCertificate decodes a commit certificate from its canonical encoding
func UnmarshalCommitCertificate(bz []byte) (*CommitCertificate, error) {
	height, round, valueID, votes, err := unmarshalCertificate(bz)
	if err != nil {
		return nil, err
	}

	return &CommitCertificate{Height: height, Round: round, ValueID: valueID, Votes: votes}, nil
}
