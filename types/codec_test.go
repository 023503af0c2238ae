package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_VoteCodec(t *testing.T) {
	t.Parallel()

	table := []struct {
		name string
		vote *Vote
	}{
		{
			name: "prevote for a value",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Height:    1,
				Round:     0,
				ValueID:   []byte("value id"),
				Voter:     []byte("voter"),
				Signature: []byte("signature"),
			},
		},

		{
			name: "nil prevote",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Height:    10,
				Round:     3,
				Voter:     []byte("voter"),
				Signature: []byte("signature"),
			},
		},

		{
			name: "precommit with extension",
			vote: &Vote{
				Type:      VoteTypePrecommit,
				Height:    42,
				Round:     7,
				ValueID:   []byte("value id"),
				Voter:     []byte("voter"),
				Extension: []byte("extension"),
				Signature: []byte("signature"),
			},
		},
	}

	for _, tt := range table {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decoded, err := UnmarshalVote(tt.vote.Bytes())
			require.NoError(t, err)

			assert.Equal(t, tt.vote, decoded)
		})
	}
}

func Test_VotePayloadExcludesSignature(t *testing.T) {
	t.Parallel()

	vote := &Vote{
		Type:    VoteTypePrevote,
		Height:  1,
		ValueID: []byte("value id"),
		Voter:   []byte("voter"),
	}

	unsigned := vote.Payload()

	vote.Signature = []byte("signature")

	assert.Equal(t, unsigned, vote.Payload())
	assert.NotEqual(t, unsigned, vote.Bytes())
}

func Test_ProposalCodec(t *testing.T) {
	t.Parallel()

	table := []struct {
		name     string
		proposal *Proposal
	}{
		{
			name: "fresh value",
			proposal: &Proposal{
				Height:     1,
				Round:      0,
				Value:      []byte("value"),
				ValidRound: RoundNil,
				Proposer:   []byte("proposer"),
				Signature:  []byte("signature"),
			},
		},

		{
			name: "re-proposal with round 0 polka",
			proposal: &Proposal{
				Height:     1,
				Round:      2,
				Value:      []byte("value"),
				ValidRound: 0,
				Proposer:   []byte("proposer"),
				Signature:  []byte("signature"),
			},
		},

		{
			name: "re-proposal with later polka",
			proposal: &Proposal{
				Height:     33,
				Round:      5,
				Value:      []byte("value"),
				ValidRound: 4,
				Proposer:   []byte("proposer"),
				Signature:  []byte("signature"),
			},
		},
	}

	for _, tt := range table {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decoded, err := UnmarshalProposal(tt.proposal.Bytes())
			require.NoError(t, err)

			assert.Equal(t, tt.proposal, decoded)
		})
	}
}

func Test_CertificateCodec(t *testing.T) {
	t.Parallel()

	cert := &CommitCertificate{
		Height:  1,
		Round:   0,
		ValueID: []byte("value id"),
		Votes: []*Vote{
			{
				Type:      VoteTypePrecommit,
				Height:    1,
				ValueID:   []byte("value id"),
				Voter:     []byte("voter 1"),
				Signature: []byte("signature 1"),
			},
			{
				Type:      VoteTypePrecommit,
				Height:    1,
				ValueID:   []byte("value id"),
				Voter:     []byte("voter 2"),
				Extension: []byte("extension"),
				Signature: []byte("signature 2"),
			},
		},
	}

	decoded, err := UnmarshalCommitCertificate(cert.Bytes())
	require.NoError(t, err)

	assert.Equal(t, cert, decoded)
}

func Test_VoteValidate(t *testing.T) {
	t.Parallel()

	table := []struct {
		name string
		vote *Vote
		ok   bool
	}{
		{
			name: "valid prevote",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Height:    1,
				Voter:     []byte("voter"),
				Signature: []byte("signature"),
			},
			ok: true,
		},

		{
			name: "bad vote type",
			vote: &Vote{
				Type:      VoteType(99),
				Voter:     []byte("voter"),
				Signature: []byte("signature"),
			},
		},

		{
			name: "negative round",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Round:     -1,
				Voter:     []byte("voter"),
				Signature: []byte("signature"),
			},
		},

		{
			name: "missing voter",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Signature: []byte("signature"),
			},
		},

		{
			name: "missing signature",
			vote: &Vote{
				Type:  VoteTypePrevote,
				Voter: []byte("voter"),
			},
		},

		{
			name: "extension on prevote",
			vote: &Vote{
				Type:      VoteTypePrevote,
				Voter:     []byte("voter"),
				Extension: []byte("extension"),
				Signature: []byte("signature"),
			},
		},
	}

	for _, tt := range table {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.vote.Validate()
			if tt.ok {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}
