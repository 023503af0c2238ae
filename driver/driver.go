package driver

import (
	"errors"
	"fmt"

	"github.com/sig-0/go-tendermint/round"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/vote"
)

var (
	ErrWrongHeight     = errors.New("message for a different height")
	ErrInvalidProposer = errors.New("proposal not signed by the round's proposer")
	ErrUnknownVoter    = errors.New("vote from unknown validator")
)

// InputType enumerates the driver's inputs
type InputType int

const (
	InputProposal InputType = iota
	InputVote
	InputPolkaCertificate
	InputCommitCertificate
	InputTimeout
	InputProposeValue
)

// Input is a single external input for one height of consensus. Only
// the fields relevant to the Type are set
type Input struct {
	Type InputType

	Proposal *types.Proposal
	Validity bool // application verdict on Proposal's value

	Vote *types.Vote

	PolkaCertificate  *types.PolkaCertificate
	CommitCertificate *types.CommitCertificate

	Timeout types.TimeoutKind

	// Round is the round the timeout was armed for (InputTimeout) or
	// the round the host built a value for (InputProposeValue)
	Round int64

	// Value is the host-built value (InputProposeValue)
	Value []byte
}

// DecidedValue is one decided chain entry
type DecidedValue struct {
	Height      uint64
	Round       int64
	Value       []byte
	Certificate *types.CommitCertificate
}

type proposalEntry struct {
	proposal *types.Proposal
	valid    bool
}

type queuedInput struct {
	input round.Input
	round int64
}

// Driver binds the round state machine to the vote keeper for one
// height: it pre-validates inputs, feeds votes to the keeper,
// multiplexes threshold events and proposals into state machine
// inputs, parks inputs the state machine is not yet ready for, and
// carries the state machine across rounds
type Driver struct {
	height       uint64
	address      []byte
	validatorSet *types.ValidatorSet
	hasher       types.Hasher

	keeper *vote.Keeper
	state  round.State

	proposals   map[int64][]proposalEntry
	polkaCerts  map[int64]*types.PolkaCertificate
	commitCerts map[int64]*types.CommitCertificate

	// pending holds inputs rejected by the state machine because it
	// was in an earlier step; they are replayed on every step change
	// until consumed or the round is abandoned
	pending []queuedInput

	decision *DecidedValue
}

// New creates a driver for one height
func New(
	height uint64,
	address []byte,
	validatorSet *types.ValidatorSet,
	hasher types.Hasher,
	params vote.ThresholdParams,
) *Driver {
	return &Driver{
		height:       height,
		address:      address,
		validatorSet: validatorSet,
		hasher:       hasher,
		keeper:       vote.NewKeeper(validatorSet, params),
		state:        round.NewState(height),
		proposals:    make(map[int64][]proposalEntry),
		polkaCerts:   make(map[int64]*types.PolkaCertificate),
		commitCerts:  make(map[int64]*types.CommitCertificate),
	}
}

// Height returns the height this driver runs
func (d *Driver) Height() uint64 {
	return d.height
}

// Round returns the current round
func (d *Driver) Round() int64 {
	return d.state.Round
}

// State returns a copy of the round state machine's state
func (d *Driver) State() round.State {
	return d.state
}

// Keeper exposes the height's vote keeper (read-only use)
func (d *Driver) Keeper() *vote.Keeper {
	return d.keeper
}

// Decision returns the decided value, or nil while the height runs
func (d *Driver) Decision() *DecidedValue {
	return d.decision
}

// Start enters round 0 and returns the resulting effects
func (d *Driver) Start() []round.Output {
	return d.feed(d.newRoundInput(0), 0)
}

// Process feeds one input through pre-validation, the vote keeper and
// the state machine, and returns the requested effects. Recoverable
// validation failures are reported as errors for accounting; they
// leave the driver untouched
func (d *Driver) Process(input Input) ([]round.Output, error) {
	switch input.Type {
	case InputProposal:
		return d.processProposal(input.Proposal, input.Validity)
	case InputVote:
		return d.processVote(input.Vote)
	case InputPolkaCertificate:
		return d.processPolkaCertificate(input.PolkaCertificate)
	case InputCommitCertificate:
		return d.processCommitCertificate(input.CommitCertificate)
	case InputTimeout:
		return d.processTimeout(input.Timeout, input.Round), nil
	case InputProposeValue:
		return d.feed(round.Input{
			Type:    round.InputProposeValue,
			Value:   input.Value,
			ValueID: d.hasher.Hash(input.Value),
		}, input.Round), nil
	default:
		return nil, fmt.Errorf("unknown driver input %d", input.Type)
	}
}

func (d *Driver) processProposal(proposal *types.Proposal, validity bool) ([]round.Output, error) {
	if proposal.Height != d.height {
		return nil, ErrWrongHeight
	}

	if !d.validatorSet.IsProposer(proposal.Proposer, d.height, proposal.Round) {
		return nil, ErrInvalidProposer
	}

	// all proposals are retained, including competing ones from a
	// Byzantine proposer; any of them may later satisfy a multiplex guard
	d.proposals[proposal.Round] = append(d.proposals[proposal.Round], proposalEntry{
		proposal: proposal,
		valid:    validity,
	})

	input, inputRound, ok := d.multiplexProposal(proposal, validity)
	if !ok {
		return nil, nil
	}

	return d.feed(input, inputRound), nil
}

func (d *Driver) processVote(v *types.Vote) ([]round.Output, error) {
	if v.Height != d.height {
		return nil, ErrWrongHeight
	}

	if !d.validatorSet.IsValidator(v.Voter) {
		return nil, ErrUnknownVoter
	}

	out := d.keeper.ApplyVote(v, d.state.Round)
	if out == nil {
		return nil, nil
	}

	input, inputRound, ok := d.multiplexThreshold(out)
	if !ok {
		return nil, nil
	}

	return d.feed(input, inputRound), nil
}

func (d *Driver) processPolkaCertificate(cert *types.PolkaCertificate) ([]round.Output, error) {
	if cert.Height != d.height {
		return nil, ErrWrongHeight
	}

	d.polkaCerts[cert.Round] = cert

	out := d.keeper.ApplyPolkaCertificate(cert)
	if out == nil {
		return nil, nil
	}

	input, inputRound, ok := d.multiplexThreshold(out)
	if !ok {
		return nil, nil
	}

	return d.feed(input, inputRound), nil
}

func (d *Driver) processCommitCertificate(cert *types.CommitCertificate) ([]round.Output, error) {
	if cert.Height != d.height {
		return nil, ErrWrongHeight
	}

	d.commitCerts[cert.Round] = cert

	out := d.keeper.ApplyCommitCertificate(cert)
	if out == nil {
		return nil, nil
	}

	input, inputRound, ok := d.multiplexThreshold(out)
	if !ok {
		return nil, nil
	}

	return d.feed(input, inputRound), nil
}

func (d *Driver) processTimeout(kind types.TimeoutKind, timeoutRound int64) []round.Output {
	var inputType round.InputType

	switch kind {
	case types.TimeoutPropose:
		inputType = round.InputTimeoutPropose
	case types.TimeoutPrevote:
		inputType = round.InputTimeoutPrevote
	case types.TimeoutPrecommit:
		inputType = round.InputTimeoutPrecommit
	default:
		return nil
	}

	return d.feed(round.Input{Type: inputType}, timeoutRound)
}

func (d *Driver) infoFor(inputRound int64) round.Info {
	return round.Info{
		InputRound: inputRound,
		Address:    d.address,
		Proposer:   d.validatorSet.Proposer(d.height, d.state.Round),
	}
}

func (d *Driver) newRoundInput(r int64) round.Input {
	if d.validatorSet.IsProposer(d.address, d.height, r) {
		return round.Input{Type: round.InputNewRoundProposer, Round: r}
	}

	return round.Input{Type: round.InputNewRound, Round: r}
}

// feed drives the state machine to a fixpoint: the input is applied,
// outputs are collected, and step changes unlock both parked inputs
// and freshly synthesizable ones. The loop is bounded because steps
// only move forward within a round and rounds only move forward
func (d *Driver) feed(input round.Input, inputRound int64) []round.Output {
	var (
		collected []round.Output
		queue     = []queuedInput{{input: input, round: inputRound}}
	)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		prev := d.state

		state, outs := round.Apply(d.state, d.infoFor(next.round), next.input)
		d.state = state

		stepChanged := state.Step != prev.Step

		if len(outs) == 0 && !stateChanged(prev, state) {
			if isParkable(next.input.Type) {
				d.pending = append(d.pending, next)
			}

			continue
		}

		for _, out := range outs {
			switch out.Type {
			case round.OutputSkipRound:
				collected = append(collected, out)

				d.moveToRound(out.Round)
				queue = append(queue, queuedInput{input: d.newRoundInput(out.Round), round: out.Round})
			case round.OutputDecision:
				d.recordDecision(out)
				collected = append(collected, out)
			default:
				collected = append(collected, out)
			}
		}

		if stepChanged {
			queue = append(queue, d.takePending()...)
			queue = append(queue, d.stepChangeInputs()...)
		}
	}

	return collected
}

func (d *Driver) moveToRound(r int64) {
	// inputs parked for the abandoned round are dropped; anything
	// still relevant is resynthesized from the keeper and the
	// proposal store once the new round starts
	d.pending = nil
	d.state.Step = round.StepUnstarted
}

func (d *Driver) takePending() []queuedInput {
	pending := d.pending
	d.pending = nil

	return pending
}

func (d *Driver) recordDecision(out round.Output) {
	valueID := d.hasher.Hash(out.Value)

	cert := d.commitCerts[out.Round]
	if cert == nil {
		cert = d.keeper.CommitCertificate(d.height, out.Round, valueID)
	}

	d.decision = &DecidedValue{
		Height:      d.height,
		Round:       out.Round,
		Value:       out.Value,
		Certificate: cert,
	}
}

// PolkaCertificate returns the stored or materialized polka
// certificate for (round, value), if one exists
func (d *Driver) PolkaCertificate(r int64, valueID []byte) *types.PolkaCertificate {
	if cert := d.polkaCerts[r]; cert != nil {
		return cert
	}

	return d.keeper.PolkaCertificate(d.height, r, valueID)
}

func isParkable(t round.InputType) bool {
	switch t {
	case round.InputPolkaAny,
		round.InputPolkaNil,
		round.InputPrecommitAny,
		round.InputProposalAndPolkaCurrent,
		round.InputProposalAndPolkaPrevious:
		return true
	default:
		return false
	}
}

func stateChanged(prev, next round.State) bool {
	return prev.Step != next.Step ||
		prev.Round != next.Round ||
		prev.Locked != next.Locked ||
		prev.Valid != next.Valid ||
		len(prev.Decision) != len(next.Decision)
}
