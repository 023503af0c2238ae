package test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Network_HappyPath(t *testing.T) {
	t.Parallel()

	nw := newNetwork(t, 4)

	nw.run(1)

	// everyone decided the proposer's value in round 0
	value := nw.decidedValue(1)

	proposer := nw.proposerNode(1, 0)
	assert.Equal(t, proposer.value(1), value)

	for _, n := range nw.alive() {
		assert.Equal(t, int64(0), n.rounds[1])
	}
}

func Test_Network_ThreeValidators(t *testing.T) {
	t.Parallel()

	// f = 0: three correct validators decide in round 0
	nw := newNetwork(t, 3)

	nw.run(1)

	assert.Equal(t, nw.proposerNode(1, 0).value(1), nw.decidedValue(1))

	for _, n := range nw.alive() {
		assert.Equal(t, int64(0), n.rounds[1])
	}
}

func Test_Network_SingleValidator(t *testing.T) {
	t.Parallel()

	nw := newNetwork(t, 1)

	nw.run(1)

	// a lone validator decides its own proposal immediately
	assert.Equal(t, nw.nodes[0].value(1), nw.decidedValue(1))
	assert.Equal(t, int64(0), nw.nodes[0].rounds[1])
}

func Test_Network_ProposerCrash(t *testing.T) {
	t.Parallel()

	nw := newNetwork(t, 4)

	// the round 0 proposer never comes online; round 0 dies on nil
	// and the round 1 proposer's value is decided
	crashed := nw.proposerNode(1, 0)
	nw.crash(crashed.idx)

	nw.run(1)

	value := nw.decidedValue(1)

	nextProposer := nw.proposerNode(1, 1)
	assert.Equal(t, nextProposer.value(1), value)

	for _, n := range nw.alive() {
		assert.Equal(t, int64(1), n.rounds[1])
	}
}

func Test_Network_MultipleHeights(t *testing.T) {
	t.Parallel()

	nw := newNetwork(t, 4)

	for height := uint64(1); height <= 3; height++ {
		nw.run(height)
		nw.decidedValue(height)
	}

	// every node holds the same 3-entry chain
	for _, n := range nw.alive() {
		require.Len(t, n.decided, 3)

		chain := n.engine.Chain()
		require.Len(t, chain, 3)

		for i, decided := range chain {
			assert.Equal(t, uint64(i+1), decided.Height)
			assert.Equal(t, n.decided[decided.Height], decided.Value)
			assert.NotNil(t, decided.Certificate)
		}
	}
}
