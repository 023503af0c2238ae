package types

import "fmt"

// Proposal carries the value a round's elected proposer puts forward.
// ValidRound is the round of the polka justifying a re-proposal, or
// RoundNil if the value has no prior polka
type Proposal struct {
	Height     uint64
	Round      int64
	Value      []byte
	ValidRound int64
	Proposer   []byte
	Signature  []byte
}

// Validate returns an error if the Proposal is malformed
func (p *Proposal) Validate() error {
	if p.Round < 0 {
		return fmt.Errorf("%w: negative proposal round", ErrInvalidMessage)
	}

	if len(p.Value) == 0 {
		return fmt.Errorf("%w: missing proposal value", ErrInvalidMessage)
	}

	if p.ValidRound < RoundNil || p.ValidRound >= p.Round {
		return fmt.Errorf("%w: bad valid round %d", ErrInvalidMessage, p.ValidRound)
	}

	if len(p.Proposer) == 0 {
		return fmt.Errorf("%w: missing proposer", ErrInvalidMessage)
	}

	if len(p.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidMessage)
	}

	return nil
}

const (
	proposalFieldHeight     = 1
	proposalFieldRound      = 2
	proposalFieldValue      = 3
	proposalFieldValidRound = 4
	proposalFieldProposer   = 5
	proposalFieldSignature  = 6
)

// Payload returns the canonical byte content of the proposal, signature
// excluded. This is the content the proposer signs
func (p *Proposal) Payload() []byte {
	bz := make([]byte, 0, 64+len(p.Value))
	bz = appendUint(bz, proposalFieldHeight, p.Height)
	bz = appendInt(bz, proposalFieldRound, p.Round)
	bz = appendBytes(bz, proposalFieldValue, p.Value)
	bz = appendRound(bz, proposalFieldValidRound, p.ValidRound)
	bz = appendBytes(bz, proposalFieldProposer, p.Proposer)

	return bz
}

// Bytes returns the canonical byte content of the proposal, signature included
func (p *Proposal) Bytes() []byte {
	return appendBytes(p.Payload(), proposalFieldSignature, p.Signature)
}

// UnmarshalProposal decodes a proposal from its canonical encoding
func UnmarshalProposal(bz []byte) (*Proposal, error) {
	var (
		p = Proposal{ValidRound: RoundNil}
		d = decoder{bz: bz}
	)

	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}

		switch num {
		case proposalFieldHeight:
			p.Height = d.uint()
		case proposalFieldRound:
			p.Round = d.int()
		case proposalFieldValue:
			p.Value = d.bytes()
		case proposalFieldValidRound:
			p.ValidRound = d.int()
		case proposalFieldProposer:
			p.Proposer = d.bytes()
		case proposalFieldSignature:
			p.Signature = d.bytes()
		default:
			d.skip(num, typ)
		}
	}

	if d.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, d.err)
	}

	return &p, nil
}
