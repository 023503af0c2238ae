package test

import (
	"fmt"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	tendermint "github.com/sig-0/go-tendermint"
	"github.com/sig-0/go-tendermint/engine"
	"github.com/sig-0/go-tendermint/store"
	"github.com/sig-0/go-tendermint/test/mock"
	"github.com/sig-0/go-tendermint/types"
	"github.com/sig-0/go-tendermint/wal"
)

// network is a deterministic in-memory cluster of consensus engines.
// Gossip is simulated with per-node message stores: a node's transport
// writes into every peer's inbox, and the pump loop drains inboxes
// through the stores' subscription feeds. Timers never run on a real
// clock; armed timeouts fire only when the network stops making
// progress without them
type network struct {
	t *testing.T

	validators []*mock.Validator
	set        *types.ValidatorSet
	nodes      []*node
}

type scheduledTimeout struct {
	kind   types.TimeoutKind
	height uint64
	round  int64
}

type valueRequest struct {
	height uint64
	round  int64
}

type node struct {
	idx       int
	validator *mock.Validator
	engine    *engine.Engine

	inbox *store.MsgStore
	seen  map[string]struct{}

	timeouts []scheduledTimeout
	requests []valueRequest

	decided map[uint64][]byte
	rounds  map[uint64]int64

	crashed bool
}

// value is the deterministic value this node proposes for a height
func (n *node) value(height uint64) []byte {
	return []byte(fmt.Sprintf("value %d by node %d", height, n.idx))
}

func newNetwork(t *testing.T, size int) *network {
	t.Helper()

	validators, set := mock.NewValidators(size)

	nw := &network{
		t:          t,
		validators: validators,
		set:        set,
	}

	for i := 0; i < size; i++ {
		nw.nodes = append(nw.nodes, nw.newNode(i))
	}

	return nw
}

func (nw *network) newNode(idx int) *node {
	n := &node{
		idx:       idx,
		validator: nw.validators[idx],
		inbox:     store.New(),
		seen:      make(map[string]struct{}),
		decided:   make(map[uint64][]byte),
		rounds:    make(map[uint64]int64),
	}

	transport := gossipTransport(nw, n)

	app := mock.Application{
		GetValueFn: func(height uint64, round int64, _ time.Duration) {
			n.requests = append(n.requests, valueRequest{height: height, round: round})
		},
		DecideFn: func(height uint64, round int64, value []byte, _ *types.CommitCertificate) {
			n.decided[height] = value
			n.rounds[height] = round
		},
	}

	scheduler := mock.Scheduler{
		ScheduleTimeoutFn: func(kind types.TimeoutKind, height uint64, round int64, _ time.Duration) {
			n.timeouts = append(n.timeouts, scheduledTimeout{kind: kind, height: height, round: round})
		},
		CancelTimeoutsFn: func(height uint64) {
			kept := n.timeouts[:0]
			for _, timeout := range n.timeouts {
				if timeout.height != height {
					kept = append(kept, timeout)
				}
			}

			n.timeouts = kept
		},
	}

	e, err := engine.New(engine.NewConfig(
		engine.WithLogger(slogt.New(nw.t)),
		engine.WithSigner(nw.validators[idx]),
		engine.WithVerifier(mock.Ed25519Verifier),
		engine.WithHasher(mock.DefaultHasher),
		engine.WithTransport(transport),
		engine.WithApplication(app),
		engine.WithWAL(wal.NewMemWAL()),
		engine.WithScheduler(scheduler),
	))
	require.NoError(nw.t, err)

	n.engine = e

	return n
}

// gossipTransport fans a node's outbound messages into every peer's
// inbox (the sender hears its own messages through engine
// self-delivery, not gossip)
func gossipTransport(nw *network, sender *node) tendermint.Transport {
	return tendermint.Transport{
		Proposal: func(p *types.Proposal) {
			for _, peer := range nw.nodes {
				if peer.idx != sender.idx {
					peer.inbox.AddProposal(p)
				}
			}
		},
		Vote: func(v *types.Vote) {
			for _, peer := range nw.nodes {
				if peer.idx != sender.idx {
					peer.inbox.AddVote(v)
				}
			}
		},
	}
}

func (nw *network) crash(idx int) {
	nw.nodes[idx].crashed = true
}

func (nw *network) alive() []*node {
	alive := make([]*node, 0, len(nw.nodes))
	for _, n := range nw.nodes {
		if !n.crashed {
			alive = append(alive, n)
		}
	}

	return alive
}

// run drives the network until every live node decides the height
func (nw *network) run(height uint64) {
	nw.t.Helper()

	for _, n := range nw.alive() {
		require.NoError(nw.t, n.engine.StartHeight(height, nw.set))
	}

	const maxIterations = 200

	for i := 0; i < maxIterations; i++ {
		progress := false

		// serve pending value requests
		for _, n := range nw.alive() {
			requests := n.requests
			n.requests = nil

			for _, request := range requests {
				require.NoError(nw.t, n.engine.ProposeValue(request.height, request.round, n.value(request.height)))

				progress = true
			}
		}

		// deliver gossiped messages
		for _, n := range nw.alive() {
			if nw.deliver(n, height) {
				progress = true
			}
		}

		if nw.allDecided(height) {
			return
		}

		if progress {
			continue
		}

		// the network is stuck: expire the armed timers
		if !nw.fireTimeouts() {
			require.FailNow(nw.t, "network is stuck with no pending timeouts")
		}
	}

	require.FailNow(nw.t, "network did not decide in time")
}

// deliver drains the node's inbox through the store's subscription
// feed and feeds every unseen message to the engine
func (nw *network) deliver(n *node, height uint64) bool {
	delivered := false

	votesSub, cancelVotes := n.inbox.SubscribeVotes(height)
	defer cancelVotes()

	select {
	case notification := <-votesSub:
		for _, v := range notification() {
			if nw.feed(n, string(v.Bytes()), v) {
				delivered = true
			}
		}
	default:
	}

	proposalsSub, cancelProposals := n.inbox.SubscribeProposals(height)
	defer cancelProposals()

	select {
	case notification := <-proposalsSub:
		for _, p := range notification() {
			if nw.feed(n, string(p.Bytes()), p) {
				delivered = true
			}
		}
	default:
	}

	return delivered
}

type message interface {
	Bytes() []byte
}

func (nw *network) feed(n *node, key string, msg message) bool {
	if _, ok := n.seen[key]; ok {
		return false
	}

	n.seen[key] = struct{}{}

	// rejections (stale rounds, equivocations) must not stall the pump
	_ = n.engine.AddMessage(msg)

	return true
}

func (nw *network) fireTimeouts() bool {
	fired := false

	for _, n := range nw.alive() {
		timeouts := n.timeouts
		n.timeouts = nil

		for _, timeout := range timeouts {
			require.NoError(nw.t, n.engine.TimeoutElapsed(timeout.kind, timeout.height, timeout.round))

			fired = true
		}
	}

	return fired
}

func (nw *network) allDecided(height uint64) bool {
	for _, n := range nw.alive() {
		if _, ok := n.decided[height]; !ok {
			return false
		}
	}

	return true
}

// proposerNode returns the node elected to propose (height, round)
func (nw *network) proposerNode(height uint64, round int64) *node {
	nw.t.Helper()

	for _, n := range nw.nodes {
		if nw.set.IsProposer(n.validator.PubKey, height, round) {
			return n
		}
	}

	require.FailNow(nw.t, "no proposer found")

	return nil
}

// decidedValue asserts agreement and returns the height's common value
func (nw *network) decidedValue(height uint64) []byte {
	nw.t.Helper()

	alive := nw.alive()
	require.NotEmpty(nw.t, alive)

	value := alive[0].decided[height]
	require.NotNil(nw.t, value)

	for _, n := range alive {
		require.Equal(nw.t, value, n.decided[height], "node %d decided differently", n.idx)
	}

	return value
}
