package types

import (
	"bytes"
	"fmt"
)

// Vote is a prevote or precommit for a value (or for nil) in some
// (height, round). Precommits may carry an opaque application extension
type Vote struct {
	Type      VoteType
	Height    uint64
	Round     int64
	ValueID   []byte // empty encodes a nil vote
	Voter     []byte
	Extension []byte // precommits only
	Signature []byte
}

// IsNil reports whether the vote is for nil rather than a value
func (v *Vote) IsNil() bool {
	return len(v.ValueID) == 0
}

// Validate returns an error if the Vote is malformed
func (v *Vote) Validate() error {
	if v.Type != VoteTypePrevote && v.Type != VoteTypePrecommit {
		return fmt.Errorf("%w: bad vote type %d", ErrInvalidMessage, v.Type)
	}

	if v.Round < 0 {
		return fmt.Errorf("%w: negative vote round", ErrInvalidMessage)
	}

	if len(v.Voter) == 0 {
		return fmt.Errorf("%w: missing voter", ErrInvalidMessage)
	}

	if len(v.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidMessage)
	}

	if v.Type == VoteTypePrevote && len(v.Extension) > 0 {
		return fmt.Errorf("%w: extension on prevote", ErrInvalidMessage)
	}

	return nil
}

// Equal reports whether two votes have identical payloads and signatures
func (v *Vote) Equal(other *Vote) bool {
	return bytes.Equal(v.Bytes(), other.Bytes())
}

const (
	voteFieldType      = 1
	voteFieldHeight    = 2
	voteFieldRound     = 3
	voteFieldValueID   = 4
	voteFieldVoter     = 5
	voteFieldExtension = 6
	voteFieldSignature = 7
)

// Payload returns the canonical byte content of the vote, signature
// excluded. This is the content the voter signs
func (v *Vote) Payload() []byte {
	bz := make([]byte, 0, 64)
	bz = appendUint(bz, voteFieldType, uint64(v.Type))
	bz = appendUint(bz, voteFieldHeight, v.Height)
	bz = appendInt(bz, voteFieldRound, v.Round)
	bz = appendBytes(bz, voteFieldValueID, v.ValueID)
	bz = appendBytes(bz, voteFieldVoter, v.Voter)
	bz = appendBytes(bz, voteFieldExtension, v.Extension)

	return bz
}

// Bytes returns the canonical byte content of the vote, signature included
func (v *Vote) Bytes() []byte {
	return appendBytes(v.Payload(), voteFieldSignature, v.Signature)
}

// UnmarshalVote decodes a vote from its canonical encoding
func UnmarshalVote(bz []byte) (*Vote, error) {
	var (
		v Vote
		d = decoder{bz: bz}
	)

	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}

		switch num {
		case voteFieldType:
			v.Type = VoteType(d.uint())
		case voteFieldHeight:
			v.Height = d.uint()
		case voteFieldRound:
			v.Round = d.int()
		case voteFieldValueID:
			v.ValueID = d.bytes()
		case voteFieldVoter:
			v.Voter = d.bytes()
		case voteFieldExtension:
			v.Extension = d.bytes()
		case voteFieldSignature:
			v.Signature = d.bytes()
		default:
			d.skip(num, typ)
		}
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, d.err)
	}

	return &v, nil
}
