package store

import (
	"fmt"

	"github.com/sig-0/go-tendermint/types"
)

// MsgStore is a thread-safe buffer for consensus messages keyed by
// height, with a built-in notification feed. The engine parks messages
// that arrive ahead of its current height here and drains them when
// the height starts; integrations can subscribe to either collection
// to observe traffic for a height
type MsgStore struct {
	votes     *syncCollection[*types.Vote]
	proposals *syncCollection[*types.Proposal]
}

// New returns an empty MsgStore
func New() *MsgStore {
	return &MsgStore{
		votes:     newSyncCollection[*types.Vote](),
		proposals: newSyncCollection[*types.Proposal](),
	}
}

// AddVote buffers a vote. A later vote from the same voter for the
// same (height, round, type) replaces the earlier one
func (s *MsgStore) AddVote(v *types.Vote) {
	key := fmt.Sprintf("%x/%d/%d", v.Voter, v.Round, v.Type)

	s.votes.addMessage(v, v.Height, key)
}

// AddProposal buffers a proposal
func (s *MsgStore) AddProposal(p *types.Proposal) {
	key := fmt.Sprintf("%x/%d", p.Proposer, p.Round)

	s.proposals.addMessage(p, p.Height, key)
}

// VotesForHeight returns all buffered votes for given height
func (s *MsgStore) VotesForHeight(height uint64) []*types.Vote {
	return s.votes.getMessages(height)
}

// ProposalsForHeight returns all buffered proposals for given height
func (s *MsgStore) ProposalsForHeight(height uint64) []*types.Proposal {
	return s.proposals.getMessages(height)
}

// SubscribeVotes returns a vote notification feed for given height,
// together with its cancel function
func (s *MsgStore) SubscribeVotes(height uint64) (Subscription[*types.Vote], func()) {
	return s.votes.subscribe(height)
}

// SubscribeProposals returns a proposal notification feed for given
// height, together with its cancel function
func (s *MsgStore) SubscribeProposals(height uint64) (Subscription[*types.Proposal], func()) {
	return s.proposals.subscribe(height)
}

// PruneBelow drops everything buffered for heights lower than given height
func (s *MsgStore) PruneBelow(height uint64) {
	s.votes.removeBelow(height)
	s.proposals.removeBelow(height)
}
