package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	tendermint "github.com/sig-0/go-tendermint"
	"github.com/sig-0/go-tendermint/driver"
	"github.com/sig-0/go-tendermint/round"
	"github.com/sig-0/go-tendermint/store"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/vote"
	"github.com/sig-0/go-tendermint/wal"
)

var (
	ErrNotRunning    = errors.New("engine is not running")
	ErrWrongHeight   = errors.New("message height does not match engine height")
	ErrHeightRunning = errors.New("height already in progress")
	ErrFatal         = errors.New("engine halted on fatal error")

	errInvalidSignature = errors.New("invalid signature")
	errInvalidExtension = errors.New("invalid vote extension")
)

// State is the lifecycle phase of the engine
type State int8

const (
	StateIdle State = iota
	StateStartingHeight
	StateRunning
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStartingHeight:
		return "starting_height"
	case StateRunning:
		return "running"
	case StateDecided:
		return "decided"
	default:
		return "unknown"
	}
}

// DropCounters counts inputs rejected without affecting consensus
type DropCounters struct {
	InvalidMessage     uint64
	InvalidSignature   uint64
	InvalidExtension   uint64
	InvalidProposer    uint64
	UnknownVoter       uint64
	InvalidCertificate uint64
	StaleHeight        uint64
}

// Engine runs the consensus driver across heights and connects it to
// the outside world: it verifies and persists inbound messages, signs
// and publishes outbound ones, schedules timers, replays the write-
// ahead log after a crash, and hands decisions to the application.
//
// All entry points are serialized; the driver below never sees
// concurrent inputs. Collaborator callbacks that may call back into
// the engine (GetValue, Decide, transport, scheduler) are invoked
// outside the engine lock, after the triggering input is fully
// processed
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	state  State
	height uint64

	validatorSet *types.ValidatorSet
	driver       *driver.Driver
	buffered     *store.MsgStore

	// lastVote is this validator's most recent signed vote, kept for
	// periodic rebroadcast
	lastVote *types.Vote

	chain   []driver.DecidedValue
	dropped DropCounters

	replaying         bool
	replayOwnProposal bool

	// hostCalls collects callbacks to run outside the engine lock
	hostCalls []func()

	fatalErr error
}

// New creates an engine from the config. The engine starts Idle; the
// host brings it to life with StartHeight
func New(cfg Config) (*Engine, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		cfg:      cfg,
		log:      logger,
		state:    StateIdle,
		buffered: store.New(),
	}, nil
}

// Height returns the height the engine currently runs
func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.height
}

// State returns the engine's lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// RoundState returns a copy of the driver's round state, for
// observability. The zero state is returned before the first height
func (e *Engine) RoundState() round.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driver == nil {
		return round.State{}
	}

	return e.driver.State()
}

// Dropped returns the drop counters
func (e *Engine) Dropped() DropCounters {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dropped
}

// Evidence returns the current height's equivocation evidence
func (e *Engine) Evidence() *vote.EvidenceMap {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.driver == nil {
		return vote.NewEvidenceMap()
	}

	return e.driver.Keeper().Evidence()
}

// Chain returns the values decided by this engine instance, in order
func (e *Engine) Chain() []driver.DecidedValue {
	e.mu.Lock()
	defer e.mu.Unlock()

	chain := make([]driver.DecidedValue, len(e.chain))
	copy(chain, e.chain)

	return chain
}

// StartHeight begins consensus for the height with the given validator
// set. Any write-ahead log entries recorded for the height are
// replayed first, reconstructing the exact pre-crash state; messages
// buffered for the height while a previous one was running are
// drained after
func (e *Engine) StartHeight(height uint64, validatorSet *types.ValidatorSet) error {
	e.mu.Lock()
	err := e.startHeight(height, validatorSet)
	calls := e.takeHostCalls()
	e.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return err
}

func (e *Engine) startHeight(height uint64, validatorSet *types.ValidatorSet) error {
	if e.fatalErr != nil {
		return e.fatalErr
	}

	if e.state == StateRunning || e.state == StateStartingHeight {
		return ErrHeightRunning
	}

	e.state = StateStartingHeight
	e.height = height
	e.validatorSet = validatorSet
	e.lastVote = nil
	e.driver = driver.New(
		height,
		e.cfg.Signer.Address(),
		validatorSet,
		e.cfg.Hasher,
		e.cfg.Thresholds,
	)

	// previous heights are decided and durably stored by now
	if err := e.cfg.WAL.Truncate(height); err != nil {
		return e.fatal(fmt.Errorf("unable to truncate wal: %w", err))
	}

	entries, err := e.cfg.WAL.ReadAll(height)
	if err != nil {
		return e.fatal(fmt.Errorf("unable to read wal: %w", err))
	}

	e.log.Info("starting height",
		"height", height,
		"validators", validatorSet.Len(),
		"wal_entries", len(entries),
	)

	if len(entries) > 0 {
		e.replay(entries)
	} else {
		e.handleOutputs(e.driver.Start())
	}

	if e.state == StateStartingHeight {
		e.state = StateRunning
	}

	e.drainBuffered(height)
	e.buffered.PruneBelow(height + 1)

	return nil
}

// replay re-drives a fresh driver with the logged inputs. The state
// machine is deterministic, so the resulting state matches the
// pre-crash one exactly. Outbound messages are not re-published and
// timers are not re-armed until the replay finishes; our own logged
// messages come back as regular entries
func (e *Engine) replay(entries []wal.Entry) {
	e.replaying = true
	e.replayOwnProposal = false

	e.handleOutputs(e.driver.Start())

	for _, entry := range entries {
		e.replayEntry(entry)
	}

	e.replaying = false

	e.rearm()
}

func (e *Engine) replayEntry(entry wal.Entry) {
	if entry.Timeout != nil {
		outs, _ := e.driver.Process(driver.Input{
			Type:    driver.InputTimeout,
			Timeout: entry.Timeout.Kind,
			Round:   entry.Timeout.Round,
		})
		e.handleOutputs(outs)

		return
	}

	if entry.Message == nil {
		return
	}

	// signatures were verified before the entries were logged
	switch entry.Message.Kind {
	case wal.MessageVote:
		v, err := types.UnmarshalVote(entry.Message.Data)
		if err != nil {
			return
		}

		if bytes.Equal(v.Voter, e.cfg.Signer.Address()) {
			// our own logged vote stays available for rebroadcast
			e.lastVote = v
		}

		outs, _ := e.driver.Process(driver.Input{Type: driver.InputVote, Vote: v})
		e.handleOutputs(outs)
	case wal.MessageProposal:
		p, err := types.UnmarshalProposal(entry.Message.Data)
		if err != nil {
			return
		}

		if bytes.Equal(p.Proposer, e.cfg.Signer.Address()) {
			e.replayOwnProposal = true
		}

		outs, _ := e.driver.Process(driver.Input{
			Type:     driver.InputProposal,
			Proposal: p,
			Validity: e.cfg.Application.ValidateValue(p.Height, p.Value),
		})
		e.handleOutputs(outs)
	case wal.MessagePolkaCertificate:
		cert, err := types.UnmarshalPolkaCertificate(entry.Message.Data)
		if err != nil {
			return
		}

		outs, _ := e.driver.Process(driver.Input{Type: driver.InputPolkaCertificate, PolkaCertificate: cert})
		e.handleOutputs(outs)
	case wal.MessageCommitCertificate:
		cert, err := types.UnmarshalCommitCertificate(entry.Message.Data)
		if err != nil {
			return
		}

		outs, _ := e.driver.Process(driver.Input{Type: driver.InputCommitCertificate, CommitCertificate: cert})
		e.handleOutputs(outs)
	}
}

// rearm restores the live timers after a replay: the current step's
// timer restarts from zero, and a proposer that crashed before
// building its value asks the application again
func (e *Engine) rearm() {
	if e.state != StateStartingHeight {
		// replay reached a decision
		return
	}

	var (
		state = e.driver.State()
		r     = e.driver.Round()
	)

	var kind types.TimeoutKind

	switch state.Step {
	case round.StepPropose:
		kind = types.TimeoutPropose
	case round.StepPrevote:
		kind = types.TimeoutPrevote
	case round.StepPrecommit:
		kind = types.TimeoutPrecommit
	default:
		return
	}

	var (
		height   = e.height
		duration = e.cfg.Timeouts.Duration(kind, r)
	)

	e.deferCall(func() {
		e.cfg.Scheduler.ScheduleTimeout(kind, height, r, duration)
	})

	isProposer := e.validatorSet.IsProposer(e.cfg.Signer.Address(), height, r)
	if state.Step == round.StepPropose && isProposer && !e.replayOwnProposal && state.Valid == nil {
		e.deferCall(func() {
			e.cfg.Application.GetValue(height, r, duration)
		})
	}
}

func (e *Engine) drainBuffered(height uint64) {
	for _, p := range e.buffered.ProposalsForHeight(height) {
		if err := e.addProposal(p); err != nil {
			e.countDrop(err)
		}
	}

	for _, v := range e.buffered.VotesForHeight(height) {
		if err := e.addVote(v); err != nil {
			e.countDrop(err)
		}
	}
}

// AddMessage feeds a received consensus message into the engine. The
// message is checked for well-formedness and its signature verified
// before it touches any state; valid messages are persisted to the
// write-ahead log and only then processed. Votes and proposals for a
// future height are buffered, messages for a past height are dropped;
// certificates are accepted for the current height only. All rejections are absorbed here and
// reported through the drop counters; the returned error is for the
// caller's accounting only
func (e *Engine) AddMessage(msg tendermint.Message) error {
	e.mu.Lock()
	err := e.addMessage(msg)
	e.countDrop(err)
	calls := e.takeHostCalls()
	e.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return err
}

func (e *Engine) addMessage(msg tendermint.Message) error {
	if e.fatalErr != nil {
		return e.fatalErr
	}

	if e.state != StateRunning && e.state != StateDecided {
		return ErrNotRunning
	}

	switch msg := msg.(type) {
	case *types.Vote:
		return e.addVote(msg)
	case *types.Proposal:
		return e.addProposal(msg)
	case *types.PolkaCertificate:
		return e.addPolkaCertificate(msg)
	case *types.CommitCertificate:
		return e.addCommitCertificate(msg)
	default:
		return fmt.Errorf("%w: unknown message type %T", types.ErrInvalidMessage, msg)
	}
}

func (e *Engine) addVote(v *types.Vote) error {
	if err := v.Validate(); err != nil {
		return err
	}

	if v.Height < e.height {
		return ErrWrongHeight
	}

	if err := e.verifySignature(v.Voter, v.Payload(), v.Signature); err != nil {
		return err
	}

	if v.Height > e.height {
		e.buffered.AddVote(v)

		return nil
	}

	if v.Type == types.VoteTypePrecommit && len(v.Extension) > 0 {
		if err := e.cfg.Application.VerifyVoteExtension(v.Height, v); err != nil {
			return fmt.Errorf("%w: %w", errInvalidExtension, err)
		}
	}

	if err := e.walAppendMessage(wal.MessageVote, v.Bytes()); err != nil {
		return err
	}

	outs, err := e.driver.Process(driver.Input{Type: driver.InputVote, Vote: v})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

func (e *Engine) addProposal(p *types.Proposal) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.Height < e.height {
		return ErrWrongHeight
	}

	if err := e.verifySignature(p.Proposer, p.Payload(), p.Signature); err != nil {
		return err
	}

	if p.Height > e.height {
		e.buffered.AddProposal(p)

		return nil
	}

	validity := e.cfg.Application.ValidateValue(p.Height, p.Value)

	if err := e.walAppendMessage(wal.MessageProposal, p.Bytes()); err != nil {
		return err
	}

	outs, err := e.driver.Process(driver.Input{
		Type:     driver.InputProposal,
		Proposal: p,
		Validity: validity,
	})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

func (e *Engine) addPolkaCertificate(cert *types.PolkaCertificate) error {
	if cert.Height != e.height {
		return ErrWrongHeight
	}

	if err := cert.Validate(e.validatorSet, e.cfg.Hasher, e.cfg.Verifier); err != nil {
		return err
	}

	if err := e.walAppendMessage(wal.MessagePolkaCertificate, cert.Bytes()); err != nil {
		return err
	}

	outs, err := e.driver.Process(driver.Input{Type: driver.InputPolkaCertificate, PolkaCertificate: cert})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

func (e *Engine) addCommitCertificate(cert *types.CommitCertificate) error {
	if cert.Height != e.height {
		return ErrWrongHeight
	}

	if err := cert.Validate(e.validatorSet, e.cfg.Hasher, e.cfg.Verifier); err != nil {
		return err
	}

	if err := e.walAppendMessage(wal.MessageCommitCertificate, cert.Bytes()); err != nil {
		return err
	}

	outs, err := e.driver.Process(driver.Input{Type: driver.InputCommitCertificate, CommitCertificate: cert})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

// ProposeValue is the application's response to GetValue: the value
// this node proposes for (height, round). Stale responses are ignored
func (e *Engine) ProposeValue(height uint64, r int64, value []byte) error {
	e.mu.Lock()
	err := e.proposeValue(height, r, value)
	calls := e.takeHostCalls()
	e.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return err
}

func (e *Engine) proposeValue(height uint64, r int64, value []byte) error {
	if e.fatalErr != nil {
		return e.fatalErr
	}

	if e.state != StateRunning {
		return ErrNotRunning
	}

	if height != e.height || r != e.driver.Round() {
		// late response for an abandoned (height, round)
		return nil
	}

	outs, err := e.driver.Process(driver.Input{
		Type:  driver.InputProposeValue,
		Round: r,
		Value: value,
	})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

// TimeoutElapsed is the host's notification that a previously
// scheduled timer expired. The expiry is persisted to the write-ahead
// log before it drives the state machine. Expiries tagged with a
// (height, round) the engine has moved past are ignored
func (e *Engine) TimeoutElapsed(kind types.TimeoutKind, height uint64, r int64) error {
	e.mu.Lock()
	err := e.timeoutElapsed(kind, height, r)
	calls := e.takeHostCalls()
	e.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return err
}

func (e *Engine) timeoutElapsed(kind types.TimeoutKind, height uint64, r int64) error {
	if e.fatalErr != nil {
		return e.fatalErr
	}

	if e.state != StateRunning || height != e.height {
		return nil
	}

	entry := wal.Entry{
		Height:  height,
		Timeout: &wal.TimeoutEntry{Kind: kind, Round: r},
	}

	if err := e.cfg.WAL.Append(entry); err != nil {
		return e.fatal(fmt.Errorf("unable to append wal: %w", err))
	}

	outs, err := e.driver.Process(driver.Input{
		Type:    driver.InputTimeout,
		Timeout: kind,
		Round:   r,
	})
	if err != nil {
		return err
	}

	e.handleOutputs(outs)

	return nil
}

// RebroadcastTick re-multicasts this validator's latest signed vote.
// Retransmissions are idempotent under the receivers' deduplication
func (e *Engine) RebroadcastTick() {
	e.mu.Lock()

	var last *types.Vote
	if e.state == StateRunning {
		last = e.lastVote
	}

	e.mu.Unlock()

	if last != nil {
		e.cfg.Transport.Vote(last)
	}
}

// SyncDecidedValue installs a decision obtained through value sync
// instead of vote-by-vote consensus. The commit certificate is
// verified against the height's validator set before anything changes
func (e *Engine) SyncDecidedValue(height uint64, value []byte, cert *types.CommitCertificate) error {
	e.mu.Lock()
	err := e.syncDecidedValue(height, value, cert)
	calls := e.takeHostCalls()
	e.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return err
}

func (e *Engine) syncDecidedValue(height uint64, value []byte, cert *types.CommitCertificate) error {
	if e.fatalErr != nil {
		return e.fatalErr
	}

	if e.state != StateRunning || height != e.height {
		return ErrWrongHeight
	}

	if err := cert.Validate(e.validatorSet, e.cfg.Hasher, e.cfg.Verifier); err != nil {
		return err
	}

	if !bytes.Equal(e.cfg.Hasher.Hash(value), cert.ValueID) {
		return fmt.Errorf("%w: value does not match certificate", types.ErrInvalidCertificate)
	}

	e.log.Info("height decided via sync", "height", height, "round", cert.Round)

	e.decide(driver.DecidedValue{
		Height:      height,
		Round:       cert.Round,
		Value:       value,
		Certificate: cert,
	})

	return nil
}

// Stop flushes the write-ahead log and cancels outstanding timers.
// The engine stops issuing effects; a later StartHeight resumes it
func (e *Engine) Stop() error {
	e.mu.Lock()

	if e.state == StateIdle {
		e.mu.Unlock()

		return nil
	}

	e.state = StateIdle

	var (
		height = e.height
		err    = e.cfg.WAL.Flush()
	)

	e.mu.Unlock()

	e.cfg.Scheduler.CancelTimeouts(height)

	if err != nil {
		return fmt.Errorf("unable to flush wal: %w", err)
	}

	return nil
}

func (e *Engine) fatal(err error) error {
	e.fatalErr = fmt.Errorf("%w: %w", ErrFatal, err)

	e.log.Error("engine halted", "err", err)

	return e.fatalErr
}

func (e *Engine) deferCall(call func()) {
	e.hostCalls = append(e.hostCalls, call)
}

func (e *Engine) takeHostCalls() []func() {
	calls := e.hostCalls
	e.hostCalls = nil

	return calls
}

func (e *Engine) verifySignature(signer, payload, signature []byte) error {
	digest := e.cfg.Hasher.Hash(payload)

	if err := e.cfg.Verifier.Verify(signer, digest, signature); err != nil {
		return fmt.Errorf("%w: %w", errInvalidSignature, err)
	}

	return nil
}

func (e *Engine) walAppendMessage(kind wal.MessageKind, data []byte) error {
	entry := wal.Entry{
		Height:  e.height,
		Message: &wal.MessageEntry{Kind: kind, Data: data},
	}

	if err := e.cfg.WAL.Append(entry); err != nil {
		return e.fatal(fmt.Errorf("unable to append wal: %w", err))
	}

	return nil
}

// handleOutputs turns driver effects into collaborator calls. Outbound
// messages are signed, logged, self-delivered and multicast, in that
// order; self-delivery may produce further effects, which are handled
// in the same pass
func (e *Engine) handleOutputs(outs []round.Output) {
	for len(outs) > 0 {
		out := outs[0]
		outs = outs[1:]

		switch out.Type {
		case round.OutputProposal:
			outs = append(outs, e.publishProposal(out.Proposal)...)
		case round.OutputVote:
			outs = append(outs, e.publishVote(out.Vote)...)
		case round.OutputScheduleTimeout:
			e.scheduleTimeout(out.Timeout, out.Round)
		case round.OutputGetValue:
			e.getValue(out.Round)
		case round.OutputSkipRound:
			e.log.Debug("skipping to round", "height", e.height, "round", out.Round)
		case round.OutputDecision:
			if decision := e.driver.Decision(); decision != nil {
				e.decide(*decision)
			}
		}
	}
}

func (e *Engine) publishProposal(p *types.Proposal) []round.Output {
	if e.replaying {
		// the logged copy re-drives the state machine
		return nil
	}

	p.Signature = e.cfg.Signer.Sign(e.cfg.Hasher.Hash(p.Payload()))

	if err := e.walAppendMessage(wal.MessageProposal, p.Bytes()); err != nil {
		return nil
	}

	e.log.Debug("proposing value", "height", p.Height, "round", p.Round)

	e.deferCall(func() {
		e.cfg.Transport.Proposal(p)
	})

	// self-delivery: the proposer runs the same prevote logic as everyone
	outs, err := e.driver.Process(driver.Input{
		Type:     driver.InputProposal,
		Proposal: p,
		Validity: e.cfg.Application.ValidateValue(p.Height, p.Value),
	})
	if err != nil {
		return nil
	}

	return outs
}

func (e *Engine) publishVote(v *types.Vote) []round.Output {
	if e.replaying {
		return nil
	}

	if v.Type == types.VoteTypePrecommit && !v.IsNil() {
		v.Extension = e.cfg.Application.ExtendVote(v.Height, v.Round, v.ValueID)
	}

	v.Signature = e.cfg.Signer.Sign(e.cfg.Hasher.Hash(v.Payload()))

	if err := e.walAppendMessage(wal.MessageVote, v.Bytes()); err != nil {
		return nil
	}

	e.lastVote = v

	e.deferCall(func() {
		e.cfg.Transport.Vote(v)
	})

	outs, err := e.driver.Process(driver.Input{Type: driver.InputVote, Vote: v})
	if err != nil {
		return nil
	}

	return outs
}

func (e *Engine) scheduleTimeout(kind types.TimeoutKind, r int64) {
	if e.replaying {
		return
	}

	var (
		height   = e.height
		duration = e.cfg.Timeouts.Duration(kind, r)
	)

	e.deferCall(func() {
		e.cfg.Scheduler.ScheduleTimeout(kind, height, r, duration)
	})
}

func (e *Engine) getValue(r int64) {
	// the propose timer doubles as the application's deadline
	e.scheduleTimeout(types.TimeoutPropose, r)

	if e.replaying {
		return
	}

	var (
		height   = e.height
		duration = e.cfg.Timeouts.Duration(types.TimeoutPropose, r)
	)

	e.deferCall(func() {
		e.cfg.Application.GetValue(height, r, duration)
	})
}

func (e *Engine) decide(decision driver.DecidedValue) {
	e.state = StateDecided
	e.chain = append(e.chain, decision)

	e.log.Info("height decided",
		"height", decision.Height,
		"round", decision.Round,
		"value_id", fmt.Sprintf("%x", e.cfg.Hasher.Hash(decision.Value)),
	)

	if err := e.cfg.WAL.Flush(); err != nil {
		_ = e.fatal(fmt.Errorf("unable to flush wal: %w", err))

		return
	}

	height := e.height

	e.deferCall(func() {
		e.cfg.Scheduler.CancelTimeouts(height)
		e.cfg.Application.Decide(decision.Height, decision.Round, decision.Value, decision.Certificate)
	})
}

func (e *Engine) countDrop(err error) {
	switch {
	case err == nil:
	case errors.Is(err, errInvalidSignature):
		e.dropped.InvalidSignature++
	case errors.Is(err, errInvalidExtension):
		e.dropped.InvalidExtension++
	case errors.Is(err, ErrWrongHeight), errors.Is(err, driver.ErrWrongHeight):
		e.dropped.StaleHeight++
	case errors.Is(err, driver.ErrInvalidProposer):
		e.dropped.InvalidProposer++
	case errors.Is(err, driver.ErrUnknownVoter):
		e.dropped.UnknownVoter++
	case errors.Is(err, types.ErrInvalidCertificate):
		e.dropped.InvalidCertificate++
	case errors.Is(err, types.ErrInvalidMessage):
		e.dropped.InvalidMessage++
	}
}
