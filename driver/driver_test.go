package driver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sig-0/go-tendermint/round"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/vote"
)

var testHasher = types.HasherFn(func(data []byte) []byte {
	return append([]byte("id/"), data...)
})

// 4 equal-weight validators; the proposer of (height, round) is
// validator (height+round) % 4
func testValidators(t *testing.T) ([][]byte, *types.ValidatorSet) {
	t.Helper()

	var (
		addresses  = make([][]byte, 0, 4)
		validators = make([]*types.Validator, 0, 4)
	)

	for i := 0; i < 4; i++ {
		addr := []byte(fmt.Sprintf("validator %d", i))

		addresses = append(addresses, addr)
		validators = append(validators, &types.Validator{
			Address:     addr,
			VotingPower: 1,
		})
	}

	set, err := types.NewValidatorSet(validators)
	require.NoError(t, err)

	return addresses, set
}

func voteInput(voteType types.VoteType, r int64, voter, value []byte) Input {
	v := &types.Vote{
		Type:   voteType,
		Height: 1,
		Round:  r,
		Voter:  voter,
	}

	if value != nil {
		v.ValueID = testHasher.Hash(value)
	}

	return Input{Type: InputVote, Vote: v}
}

func proposalInput(r, validRound int64, proposer, value []byte) Input {
	return Input{
		Type: InputProposal,
		Proposal: &types.Proposal{
			Height:     1,
			Round:      r,
			Value:      value,
			ValidRound: validRound,
			Proposer:   proposer,
		},
		Validity: true,
	}
}

func timeoutInput(kind types.TimeoutKind, r int64) Input {
	return Input{Type: InputTimeout, Timeout: kind, Round: r}
}

func outputTypes(outs []round.Output) []round.OutputType {
	kinds := make([]round.OutputType, 0, len(outs))
	for _, out := range outs {
		kinds = append(kinds, out.Type)
	}

	return kinds
}

func findOutput(t *testing.T, outs []round.Output, typ round.OutputType) round.Output {
	t.Helper()

	for _, out := range outs {
		if out.Type == typ {
			return out
		}
	}

	require.FailNowf(t, "missing output", "no output of type %d in %v", typ, outputTypes(outs))

	return round.Output{}
}

func hasOutput(outs []round.Output, typ round.OutputType) bool {
	for _, out := range outs {
		if out.Type == typ {
			return true
		}
	}

	return false
}

func newTestDriver(t *testing.T) (*Driver, [][]byte) {
	t.Helper()

	addresses, set := testValidators(t)

	// we are validator 0; validator 1 proposes (1, 0)
	d := New(1, addresses[0], set, testHasher, vote.DefaultThresholdParams())

	outs := d.Start()

	out := findOutput(t, outs, round.OutputScheduleTimeout)
	require.Equal(t, types.TimeoutPropose, out.Timeout)

	return d, addresses
}

func Test_Driver_HappyPath(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	value := []byte("value a")

	// the proposer's value arrives
	outs, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], value))
	require.NoError(t, err)

	prevote := findOutput(t, outs, round.OutputVote)
	assert.Equal(t, types.VoteTypePrevote, prevote.Vote.Type)
	assert.Equal(t, testHasher.Hash(value), prevote.Vote.ValueID)

	// prevotes from 3 of 4 validators form a polka: lock + precommit
	_, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[1], value))
	require.NoError(t, err)

	outs, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[2], value))
	require.NoError(t, err)
	assert.Empty(t, outs)

	outs, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[3], value))
	require.NoError(t, err)

	precommit := findOutput(t, outs, round.OutputVote)
	assert.Equal(t, types.VoteTypePrecommit, precommit.Vote.Type)
	assert.Equal(t, testHasher.Hash(value), precommit.Vote.ValueID)

	state := d.State()
	require.NotNil(t, state.Locked)
	assert.Equal(t, value, state.Locked.Value)
	assert.Equal(t, int64(0), state.Locked.Round)

	// precommits from 3 of 4 validators decide the height
	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[1], value))
	require.NoError(t, err)

	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[2], value))
	require.NoError(t, err)

	outs, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[3], value))
	require.NoError(t, err)

	decision := findOutput(t, outs, round.OutputDecision)
	assert.Equal(t, value, decision.Value)
	assert.Equal(t, int64(0), decision.Round)

	decided := d.Decision()
	require.NotNil(t, decided)
	assert.Equal(t, uint64(1), decided.Height)
	assert.Equal(t, value, decided.Value)

	require.NotNil(t, decided.Certificate)
	assert.Len(t, decided.Certificate.Votes, 3)
	assert.NoError(t, decided.Certificate.Validate(d.validatorSet, testHasher, nil))
}

func Test_Driver_PolkaBeforeProposal(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	value := []byte("value a")

	// the polka forms before the proposal arrives; the threshold input
	// is parked because we are still in the propose step
	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err := d.Process(voteInput(types.VoteTypePrevote, 0, voter, value))
		require.NoError(t, err)
	}

	assert.Equal(t, round.StepPropose, d.State().Step)

	// the proposal unblocks everything: prevote, then (poka already
	// present) lock + precommit in the same pass
	outs, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], value))
	require.NoError(t, err)

	var prevote, precommit *types.Vote

	for _, out := range outs {
		if out.Type != round.OutputVote {
			continue
		}

		switch out.Vote.Type {
		case types.VoteTypePrevote:
			prevote = out.Vote
		case types.VoteTypePrecommit:
			precommit = out.Vote
		}
	}

	require.NotNil(t, prevote)
	require.NotNil(t, precommit)
	assert.Equal(t, testHasher.Hash(value), precommit.ValueID)

	assert.Equal(t, round.StepPrecommit, d.State().Step)
	require.NotNil(t, d.State().Locked)
}

func Test_Driver_NilRound(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	// the proposer is silent: propose timeout fires, we prevote nil
	outs, err := d.Process(timeoutInput(types.TimeoutPropose, 0))
	require.NoError(t, err)

	prevote := findOutput(t, outs, round.OutputVote)
	assert.True(t, prevote.Vote.IsNil())

	// nil prevotes from the others: precommit nil
	_, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[1], nil))
	require.NoError(t, err)

	_, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[2], nil))
	require.NoError(t, err)

	outs, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[3], nil))
	require.NoError(t, err)

	precommit := findOutput(t, outs, round.OutputVote)
	assert.Equal(t, types.VoteTypePrecommit, precommit.Vote.Type)
	assert.True(t, precommit.Vote.IsNil())

	// nil precommits arm the precommit timer
	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[1], nil))
	require.NoError(t, err)

	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[2], nil))
	require.NoError(t, err)

	outs, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[3], nil))
	require.NoError(t, err)

	timeout := findOutput(t, outs, round.OutputScheduleTimeout)
	assert.Equal(t, types.TimeoutPrecommit, timeout.Timeout)

	// its expiry moves us to round 1
	outs, err = d.Process(timeoutInput(types.TimeoutPrecommit, 0))
	require.NoError(t, err)

	skip := findOutput(t, outs, round.OutputSkipRound)
	assert.Equal(t, int64(1), skip.Round)

	assert.Equal(t, int64(1), d.Round())
	assert.Equal(t, round.StepPropose, d.State().Step)
}

func Test_Driver_LockAndUnlockAcrossRounds(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	var (
		valueA = []byte("value a")
		valueB = []byte("value b")
	)

	// round 0: proposal A, polka A, we lock and precommit A
	_, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], valueA))
	require.NoError(t, err)

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrevote, 0, voter, valueA))
		require.NoError(t, err)
	}

	require.NotNil(t, d.State().Locked)

	// the round 0 polka is materializable as a certificate
	polkaCert := d.PolkaCertificate(0, testHasher.Hash(valueA))
	require.NotNil(t, polkaCert)
	assert.Len(t, polkaCert.Votes, 3)

	// the commit quorum does not form; the round times out
	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[1], valueA))
	require.NoError(t, err)

	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[2], nil))
	require.NoError(t, err)

	_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, addresses[3], nil))
	require.NoError(t, err)

	_, err = d.Process(timeoutInput(types.TimeoutPrecommit, 0))
	require.NoError(t, err)

	require.Equal(t, int64(1), d.Round())

	// round 1: a fresh value B is proposed, but we are locked on A
	// and refuse it
	outs, err := d.Process(proposalInput(1, types.RoundNil, addresses[2], valueB))
	require.NoError(t, err)

	prevote := findOutput(t, outs, round.OutputVote)
	assert.True(t, prevote.Vote.IsNil())

	// round 1 dies on nil
	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrevote, 1, voter, nil))
		require.NoError(t, err)
	}

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrecommit, 1, voter, nil))
		require.NoError(t, err)
	}

	_, err = d.Process(timeoutInput(types.TimeoutPrecommit, 1))
	require.NoError(t, err)

	require.Equal(t, int64(2), d.Round())

	// round 2: A is re-proposed with its round 0 polka; the old lock
	// allows the prevote
	outs, err = d.Process(proposalInput(2, 0, addresses[3], valueA))
	require.NoError(t, err)

	prevote = findOutput(t, outs, round.OutputVote)
	assert.Equal(t, testHasher.Hash(valueA), prevote.Vote.ValueID)

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrevote, 2, voter, valueA))
		require.NoError(t, err)
	}

	assert.Equal(t, round.StepPrecommit, d.State().Step)

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrecommit, 2, voter, valueA))
		require.NoError(t, err)
	}

	decided := d.Decision()
	require.NotNil(t, decided)
	assert.Equal(t, valueA, decided.Value)
	assert.Equal(t, int64(2), decided.Round)
}

func Test_Driver_LatePolkaForReproposal(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	value := []byte("value a")

	// round 0 dies on nil without us ever seeing its prevotes
	_, err := d.Process(timeoutInput(types.TimeoutPropose, 0))
	require.NoError(t, err)

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, voter, nil))
		require.NoError(t, err)
	}

	_, err = d.Process(timeoutInput(types.TimeoutPrecommit, 0))
	require.NoError(t, err)

	require.Equal(t, int64(1), d.Round())

	// round 1 re-proposes a value claiming a round 0 polka we have no
	// evidence for yet: nothing happens
	outs, err := d.Process(proposalInput(1, 0, addresses[2], value))
	require.NoError(t, err)
	assert.False(t, hasOutput(outs, round.OutputVote))

	// the round 0 prevotes trickle in late and complete the polka:
	// the stored re-proposal becomes prevotable
	for _, voter := range [][]byte{addresses[1], addresses[2]} {
		_, err = d.Process(voteInput(types.VoteTypePrevote, 0, voter, value))
		require.NoError(t, err)
	}

	outs, err = d.Process(voteInput(types.VoteTypePrevote, 0, addresses[3], value))
	require.NoError(t, err)

	prevote := findOutput(t, outs, round.OutputVote)
	assert.Equal(t, types.VoteTypePrevote, prevote.Vote.Type)
	assert.Equal(t, testHasher.Hash(value), prevote.Vote.ValueID)

	assert.Equal(t, round.StepPrevote, d.State().Step)
}

func Test_Driver_RoundSkip(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	// f+1 validators already in round 3: skip there directly. We are
	// the proposer of (1, 3), so the driver asks for a value
	_, err := d.Process(voteInput(types.VoteTypePrevote, 3, addresses[1], nil))
	require.NoError(t, err)

	outs, err := d.Process(voteInput(types.VoteTypePrevote, 3, addresses[2], []byte("value")))
	require.NoError(t, err)

	skip := findOutput(t, outs, round.OutputSkipRound)
	assert.Equal(t, int64(3), skip.Round)

	assert.True(t, hasOutput(outs, round.OutputGetValue))

	assert.Equal(t, int64(3), d.Round())
	assert.Equal(t, round.StepPropose, d.State().Step)
}

func Test_Driver_DecisionFromLateProposalWithCommitQuorum(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	value := []byte("value a")

	// round 0 times out for us before the proposal shows up
	_, err := d.Process(timeoutInput(types.TimeoutPropose, 0))
	require.NoError(t, err)

	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrecommit, 0, voter, value))
		require.NoError(t, err)
	}

	// the late proposal completes the round 0 commit quorum: decide,
	// regardless of the step we are in
	outs, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], value))
	require.NoError(t, err)

	decision := findOutput(t, outs, round.OutputDecision)
	assert.Equal(t, value, decision.Value)

	require.NotNil(t, d.Decision())
}

func Test_Driver_ByzantineProposerRetainsAllProposals(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	var (
		valueA = []byte("value a")
		valueB = []byte("value b")
	)

	// two conflicting proposals for the same round; the first is
	// prevoted, both are retained
	outs, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], valueA))
	require.NoError(t, err)
	require.True(t, hasOutput(outs, round.OutputVote))

	_, err = d.Process(proposalInput(0, types.RoundNil, addresses[1], valueB))
	require.NoError(t, err)

	assert.Len(t, d.proposals[0], 2)

	// the network polkas B: the stored B proposal satisfies the guard
	// and the valid value moves to B
	for _, voter := range [][]byte{addresses[1], addresses[2], addresses[3]} {
		_, err = d.Process(voteInput(types.VoteTypePrevote, 0, voter, valueB))
		require.NoError(t, err)
	}

	require.NotNil(t, d.State().Valid)
	assert.Equal(t, valueB, d.State().Valid.Value)
}

func Test_Driver_PreValidation(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	t.Run("wrong height proposal", func(t *testing.T) {
		input := proposalInput(0, types.RoundNil, addresses[1], []byte("value"))
		input.Proposal.Height = 42

		_, err := d.Process(input)
		assert.ErrorIs(t, err, ErrWrongHeight)
	})

	t.Run("wrong proposer", func(t *testing.T) {
		_, err := d.Process(proposalInput(0, types.RoundNil, addresses[2], []byte("value")))
		assert.ErrorIs(t, err, ErrInvalidProposer)
	})

	t.Run("unknown voter", func(t *testing.T) {
		_, err := d.Process(voteInput(types.VoteTypePrevote, 0, []byte("stranger"), nil))
		assert.ErrorIs(t, err, ErrUnknownVoter)
	})

	t.Run("wrong height vote", func(t *testing.T) {
		input := voteInput(types.VoteTypePrevote, 0, addresses[1], nil)
		input.Vote.Height = 42

		_, err := d.Process(input)
		assert.ErrorIs(t, err, ErrWrongHeight)
	})
}

func Test_Driver_CommitCertificateInput(t *testing.T) {
	t.Parallel()

	d, addresses := newTestDriver(t)

	value := []byte("value a")

	// the proposal arrives first
	_, err := d.Process(proposalInput(0, types.RoundNil, addresses[1], value))
	require.NoError(t, err)

	// a full commit certificate arrives instead of individual votes
	valueID := testHasher.Hash(value)

	cert := &types.CommitCertificate{
		Height:  1,
		Round:   0,
		ValueID: valueID,
		Votes: []*types.Vote{
			{Type: types.VoteTypePrecommit, Height: 1, Round: 0, ValueID: valueID, Voter: addresses[1]},
			{Type: types.VoteTypePrecommit, Height: 1, Round: 0, ValueID: valueID, Voter: addresses[2]},
			{Type: types.VoteTypePrecommit, Height: 1, Round: 0, ValueID: valueID, Voter: addresses[3]},
		},
	}

	outs, err := d.Process(Input{Type: InputCommitCertificate, CommitCertificate: cert})
	require.NoError(t, err)

	decision := findOutput(t, outs, round.OutputDecision)
	assert.Equal(t, value, decision.Value)

	decided := d.Decision()
	require.NotNil(t, decided)
	assert.Equal(t, cert, decided.Certificate)
}
