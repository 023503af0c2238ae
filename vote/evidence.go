package vote

import "github.com/sig-0/go-tendermint/types"

// Equivocation is a pair of conflicting votes signed by the same
// validator for the same (height, round, type)
type Equivocation struct {
	First, Second *types.Vote
}

// EvidenceMap retains proofs of equivocation, keyed by offender address
type EvidenceMap struct {
	evidence map[string][]Equivocation
}

func NewEvidenceMap() *EvidenceMap {
	return &EvidenceMap{evidence: make(map[string][]Equivocation)}
}

// Add records a conflicting vote pair. Both votes are retained verbatim
// so the proof stays independently verifiable
func (m *EvidenceMap) Add(existing, conflicting *types.Vote) {
	addr := string(conflicting.Voter)

	m.evidence[addr] = append(m.evidence[addr], Equivocation{
		First:  existing,
		Second: conflicting,
	})
}

// Get returns the recorded equivocations of given address
func (m *EvidenceMap) Get(addr []byte) []Equivocation {
	return m.evidence[string(addr)]
}

// IsEmpty reports whether any equivocation has been recorded
func (m *EvidenceMap) IsEmpty() bool {
	return len(m.evidence) == 0
}

// Offenders returns the addresses with recorded equivocations
func (m *EvidenceMap) Offenders() [][]byte {
	offenders := make([][]byte, 0, len(m.evidence))
	for addr := range m.evidence {
		offenders = append(offenders, []byte(addr))
	}

	return offenders
}
