package types

import (
	"sort"

	"github.com/pkg/errors"

	"marketbft/types"
)

var (
	ErrDuplicateVote = errors.New("duplicate vote")
	ErrVoteConflict  = errors.New("conflicting vote")
)

// VoteSet holds the first vote of every sender for one phase of one
// sequence. A second vote from the same sender for another digest is
// rejected with ErrVoteConflict and never replaces the first one.
type VoteSet struct {
	phase types.MsgType
	votes map[int]*types.ConsensusMessage
}

func NewVoteSet(phase types.MsgType) *VoteSet {
	return &VoteSet{
		phase: phase,
		votes: make(map[int]*types.ConsensusMessage),
	}
}

// AddVote 将vote添加到集合中, 同一个sender只保留第一票
func (vs *VoteSet) AddVote(vote *types.ConsensusMessage) error {
	if vote.Type != vs.phase {
		return errors.Errorf("expected %v vote, got %v", vs.phase, vote.Type)
	}
	prev, ok := vs.votes[vote.Sender]
	if ok {
		if prev.Digest == vote.Digest {
			return ErrDuplicateVote
		}
		return errors.Wrapf(ErrVoteConflict, "sender %d voted %s then %s", vote.Sender, prev.Digest, vote.Digest)
	}
	vs.votes[vote.Sender] = vote
	return nil
}

func (vs *VoteSet) Phase() types.MsgType {
	return vs.phase
}

// Size is the number of distinct senders, whatever they voted for.
func (vs *VoteSet) Size() int {
	return len(vs.votes)
}

func (vs *VoteSet) Has(sender int) bool {
	_, ok := vs.votes[sender]
	return ok
}

// Count returns the number of distinct senders that voted for digest.
func (vs *VoteSet) Count(digest string) int {
	n := 0
	for _, v := range vs.votes {
		if v.Digest == digest {
			n++
		}
	}
	return n
}

// Signers returns the ascending ids of the senders that voted for digest.
func (vs *VoteSet) Signers(digest string) []int {
	ids := make([]int, 0, len(vs.votes))
	for id, v := range vs.votes {
		if v.Digest == digest {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Signatures returns the signatures of the votes for digest ordered as
// Signers. ok is false if any of those votes is unsigned.
func (vs *VoteSet) Signatures(digest string) (signers []int, sigs [][]byte, ok bool) {
	signers = vs.Signers(digest)
	sigs = make([][]byte, 0, len(signers))
	for _, id := range signers {
		sig := vs.votes[id].Signature
		if len(sig) == 0 {
			return signers, nil, false
		}
		sigs = append(sigs, sig)
	}
	return signers, sigs, true
}

// Digests returns every digest voted for, sorted.
func (vs *VoteSet) Digests() []string {
	seen := make(map[string]struct{})
	for _, v := range vs.votes {
		seen[v.Digest] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Block returns a block carried by any vote for digest, if one matches.
func (vs *VoteSet) Block(digest string) *types.Block {
	for _, id := range vs.Signers(digest) {
		if v := vs.votes[id]; v.Block != nil && v.MatchesBlock() {
			return v.Block
		}
	}
	return nil
}

// MakeQC builds an unsigned certificate for digest from the current votes.
func (vs *VoteSet) MakeQC(view, seq int64, digest string) *types.QuorumCertificate {
	return &types.QuorumCertificate{
		Sequence: seq,
		View:     view,
		Phase:    vs.phase,
		Digest:   digest,
		Signers:  vs.Signers(digest),
	}
}
