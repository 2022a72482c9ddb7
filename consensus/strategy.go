package consensus

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/libs/clock"
	"marketbft/privval"
	"marketbft/types"
)

// Kind selects a consensus strategy.
type Kind string

const (
	KindPBFT           = Kind("pbft")
	KindNoConsensus    = Kind("no_consensus")
	KindSimpleMajority = Kind("simple_majority")
	KindGossip         = Kind("gossip")
	KindEventual       = Kind("eventual")
	KindQuorumless     = Kind("quorumless")
	KindFlexiblePaxos  = Kind("flexible_paxos")
)

// AllKinds lists every strategy in report order.
var AllKinds = []Kind{
	KindPBFT,
	KindNoConsensus,
	KindSimpleMajority,
	KindGossip,
	KindEventual,
	KindQuorumless,
	KindFlexiblePaxos,
}

// ParseKind accepts the kind itself or its display name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, k := range AllKinds {
		if s == string(k) || s == strings.ToLower(k.DisplayName()) {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownStrategy, "%q", s)
}

func (k Kind) DisplayName() string {
	switch k {
	case KindPBFT:
		return "PBFT"
	case KindNoConsensus:
		return "NoConsensus"
	case KindSimpleMajority:
		return "SimpleMajority"
	case KindGossip:
		return "Gossip"
	case KindEventual:
		return "EventualConsistency"
	case KindQuorumless:
		return "Quorumless"
	case KindFlexiblePaxos:
		return "FlexiblePaxos"
	default:
		return string(k)
	}
}

// Timed reports whether k waits for a quorum before it commits. Sequences
// of such strategies time out, and their proposer never gets further ahead
// than its window.
func (k Kind) Timed() bool {
	switch k {
	case KindPBFT, KindSimpleMajority, KindFlexiblePaxos:
		return true
	default:
		return false
	}
}

// Params are the fault-tolerance properties a strategy claims.
type Params struct {
	Quorum             int    `json:"quorum"`
	ByzantineTolerance int    `json:"byzantine_tolerance"`
	CrashTolerance     int    `json:"crash_tolerance"`
	RequiresMajority   bool   `json:"requires_majority"`
	Description        string `json:"description"`
}

// Strategy is a consensus protocol instance of one node. It is not safe for
// concurrent use; the node drives it from a single goroutine.
type Strategy interface {
	// Propose starts consensus on block. Strategies that commit
	// optimistically are already Committed when it returns.
	Propose(block *types.Block) (types.ProposalID, error)

	// Handle processes a message from a peer and returns a certificate only
	// on the transition that commits its sequence.
	Handle(msg *types.ConsensusMessage) (*types.QuorumCertificate, error)

	Status(seq int64) types.Status
	Finalize(seq int64) (*types.Block, error)

	Name() string
	Params() Params
	Faults() []types.Fault
}

// Sender is the outbound half of the node transport.
type Sender interface {
	// Broadcast delivers msg to every peer except the sender itself.
	Broadcast(msg *types.ConsensusMessage)
	Send(to int, msg *types.ConsensusMessage)
}

// Aggregator combines the signatures of a quorum into one.
type Aggregator interface {
	Aggregate(signers []int, sigs [][]byte) ([]byte, error)
}

// BlockValidator decides whether a proposed block may be accepted. A nil
// validator accepts every structurally valid block.
type BlockValidator func(block *types.Block) error

type GossipConfig struct {
	Fanout int
	Rounds int
	Seed   int64
}

type EventualConfig struct {
	MinConfirmations int
}

type FPaxosConfig struct {
	Q1 int
	Q2 int
}

// Config carries everything a strategy needs from its node.
type Config struct {
	NodeID  int
	N       int
	View    int64
	Timeout time.Duration

	Clock    clock.Clock
	Sender   Sender
	Validate BlockValidator

	// optional, messages are unsigned and certificates unaggregated when nil
	Signer     privval.Signer
	Aggregator Aggregator

	Logger log.Logger

	Gossip   GossipConfig
	Eventual EventualConfig
	FPaxos   FPaxosConfig
}

func DefaultConfig(nodeID, n int) Config {
	return Config{
		NodeID:   nodeID,
		N:        n,
		Timeout:  5 * time.Second,
		Clock:    clock.System(),
		Gossip:   GossipConfig{Fanout: 2, Rounds: 3, Seed: 1},
		Eventual: EventualConfig{MinConfirmations: 2},
		FPaxos:   FPaxosConfig{Q1: n/2 + 1, Q2: n - n/2},
	}
}

func (cfg Config) validateBasic() error {
	if cfg.N < 1 {
		return errors.Wrapf(ErrInvalidParams, "n must be at least 1, got %d", cfg.N)
	}
	if cfg.NodeID < 0 || cfg.NodeID >= cfg.N {
		return errors.Wrapf(ErrInvalidParams, "node id %d out of range [0, %d)", cfg.NodeID, cfg.N)
	}
	if cfg.View < 0 {
		return errors.Wrapf(ErrInvalidParams, "negative view %d", cfg.View)
	}
	if cfg.Timeout <= 0 {
		return errors.Wrapf(ErrInvalidParams, "timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.Clock == nil {
		return errors.Wrap(ErrInvalidParams, "nil clock")
	}
	if cfg.Sender == nil {
		return errors.Wrap(ErrInvalidParams, "nil sender")
	}
	return nil
}

// Primary returns the primary of view among n nodes.
func Primary(view int64, n int) int {
	return int(view % int64(n))
}

// NewStrategy builds the strategy of kind for one node.
func NewStrategy(kind Kind, cfg Config) (Strategy, error) {
	var (
		s   Strategy
		err error
	)
	switch kind {
	case KindPBFT:
		s, err = NewPBFT(cfg)
	case KindNoConsensus:
		s, err = NewNoConsensus(cfg)
	case KindSimpleMajority:
		s, err = NewSimpleMajority(cfg)
	case KindGossip:
		s, err = NewGossip(cfg)
	case KindEventual:
		s, err = NewEventual(cfg)
	case KindQuorumless:
		s, err = NewQuorumless(cfg)
	case KindFlexiblePaxos:
		s, err = NewFlexiblePaxos(cfg)
	default:
		return nil, errors.Wrapf(ErrUnknownStrategy, "%q", string(kind))
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
