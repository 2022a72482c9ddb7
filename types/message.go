package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// MsgType tags a ConsensusMessage with the protocol phase it belongs to.
type MsgType uint8

const (
	MsgPrePrepare = MsgType(0x01)
	MsgPrepare    = MsgType(0x02)
	MsgCommit     = MsgType(0x03)

	MsgPropose = MsgType(0x10) // SimpleMajority and Quorumless proposal
	MsgVote    = MsgType(0x11)
	MsgGossip  = MsgType(0x12)
	MsgUpdate  = MsgType(0x13) // EventualConsistency
	MsgAck     = MsgType(0x14)

	MsgPromiseRequest = MsgType(0x20) // Paxos phase 1a
	MsgPromise        = MsgType(0x21) // phase 1b
	MsgAccept         = MsgType(0x22) // phase 2a
	MsgAccepted       = MsgType(0x23) // phase 2b
)

// Broadcast is the To value of a message addressed to every peer.
const Broadcast = -1

func (t MsgType) String() string {
	switch t {
	case MsgPrePrepare:
		return "PrePrepare"
	case MsgPrepare:
		return "Prepare"
	case MsgCommit:
		return "Commit"
	case MsgPropose:
		return "Propose"
	case MsgVote:
		return "Vote"
	case MsgGossip:
		return "Gossip"
	case MsgUpdate:
		return "Update"
	case MsgAck:
		return "Ack"
	case MsgPromiseRequest:
		return "PromiseRequest"
	case MsgPromise:
		return "Promise"
	case MsgAccept:
		return "Accept"
	case MsgAccepted:
		return "Accepted"
	default:
		return fmt.Sprintf("UnknownMsg(%d)", uint8(t))
	}
}

func (t MsgType) IsValid() bool {
	switch t {
	case MsgPrePrepare, MsgPrepare, MsgCommit,
		MsgPropose, MsgVote, MsgGossip, MsgUpdate, MsgAck,
		MsgPromiseRequest, MsgPromise, MsgAccept, MsgAccepted:
		return true
	}
	return false
}

// ConsensusMessage is the single wire envelope shared by every strategy.
// View doubles as the ballot number for Flexible Paxos.
type ConsensusMessage struct {
	Type     MsgType `json:"type"`
	View     int64   `json:"view"`
	Sequence int64   `json:"sequence"`
	Digest   string  `json:"digest"`
	Sender   int     `json:"sender_id"`
	To       int     `json:"to"`
	Block    *Block  `json:"block"`
	Hops     int     `json:"hops"`

	// value previously accepted by a Paxos acceptor, reported in a Promise
	PriorView int64 `json:"prior_view"`

	Signature []byte `json:"signature"`
}

func (msg *ConsensusMessage) ValidateBasic() error {
	if !msg.Type.IsValid() {
		return errors.Errorf("unknown message type %d", uint8(msg.Type))
	}
	if msg.Sequence <= 0 {
		return errors.Errorf("invalid sequence %d", msg.Sequence)
	}
	if msg.View < 0 {
		return errors.Errorf("negative view %d", msg.View)
	}
	if msg.Sender < 0 {
		return errors.Errorf("invalid sender %d", msg.Sender)
	}
	switch msg.Type {
	case MsgPromiseRequest, MsgPromise:
	default:
		if msg.Digest == "" {
			return errors.Errorf("%v had no digest", msg.Type)
		}
	}
	switch msg.Type {
	case MsgPrePrepare, MsgPropose, MsgGossip, MsgUpdate, MsgAccept:
		if msg.Block == nil {
			return errors.Errorf("%v had no block", msg.Type)
		}
	}
	return nil
}

// MatchesBlock reports whether the digest equals the hash recomputed from the
// carried block. A mismatch makes the message a non-matching vote.
func (msg *ConsensusMessage) MatchesBlock() bool {
	if msg.Block == nil {
		return false
	}
	return msg.Block.Index == msg.Sequence &&
		msg.Block.Hash == msg.Digest &&
		msg.Block.ComputeHash() == msg.Digest
}

// SignBytes excludes the sender so that matching votes from different nodes
// sign the same bytes and can be aggregated into one certificate signature.
func (msg *ConsensusMessage) SignBytes() []byte {
	return VoteSignBytes(msg.Type, msg.View, msg.Sequence, msg.Digest)
}

func VoteSignBytes(t MsgType, view, seq int64, digest string) []byte {
	return []byte(fmt.Sprintf("%s/%d/%d/%s", t, view, seq, digest))
}

// Copy returns a shallow copy; the block is shared since blocks are immutable.
func (msg *ConsensusMessage) Copy() *ConsensusMessage {
	nm := *msg
	if msg.Signature != nil {
		nm.Signature = append([]byte(nil), msg.Signature...)
	}
	return &nm
}

func (msg *ConsensusMessage) String() string {
	return fmt.Sprintf("%v{v:%d s:%d %s from:%d}", msg.Type, msg.View, msg.Sequence, shortHash(msg.Digest), msg.Sender)
}
