package consensus

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	cstypes "marketbft/consensus/types"
	"marketbft/types"
)

type equivocationKey struct {
	sender int
	view   int64
	seq    int64
}

// base holds what every strategy shares: the sequence log, the fault log,
// outbound helpers and lazy deadline handling.
type base struct {
	cfg    Config
	name   string
	params Params

	// sequences only time out when timed is set
	timed bool

	seqs        *cstypes.SeqLog
	faults      []types.Fault
	equivocated map[equivocationKey]struct{}

	Logger log.Logger
}

func newBase(cfg Config, kind Kind) (base, error) {
	if err := cfg.validateBasic(); err != nil {
		return base{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return base{
		cfg:         cfg,
		name:        kind.DisplayName(),
		timed:       kind.Timed(),
		seqs:        cstypes.NewSeqLog(),
		equivocated: make(map[equivocationKey]struct{}),
		Logger:      logger.With("strategy", kind.DisplayName()),
	}, nil
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Params() Params {
	return b.params
}

func (b *base) Faults() []types.Fault {
	out := make([]types.Fault, len(b.faults))
	copy(out, b.faults)
	return out
}

func (b *base) Status(seq int64) types.Status {
	ss, ok := b.seqs.Get(seq)
	if !ok {
		return types.StatusPending
	}
	b.touch(ss)
	return ss.Status()
}

func (b *base) Finalize(seq int64) (*types.Block, error) {
	ss, ok := b.seqs.Get(seq)
	if !ok {
		return nil, errors.Wrapf(ErrNotCommitted, "sequence %d unknown", seq)
	}
	b.touch(ss)
	if ss.Step != cstypes.StepCommitted {
		return nil, errors.Wrapf(ErrNotCommitted, "sequence %d is %v", seq, ss.Step)
	}
	return ss.Block, nil
}

func (b *base) now() time.Time {
	return b.cfg.Clock.Now()
}

func (b *base) seq(seq int64) *cstypes.SeqState {
	return b.seqs.GetOrCreate(seq, b.cfg.View)
}

// start arms the deadline of ss. Votes alone never do, so a peer cannot
// time out a sequence nobody proposed.
func (b *base) start(ss *cstypes.SeqState) {
	ss.Start(b.now())
}

// touch applies the liveness deadline to a started, pending sequence.
func (b *base) touch(ss *cstypes.SeqState) {
	if !b.timed || ss.IsFinal() || !ss.Started() {
		return
	}
	if b.now().Sub(ss.StartTime) >= b.cfg.Timeout {
		ss.Step = cstypes.StepTimedOut
		b.Logger.Info("Sequence timed out", "seq", ss.Sequence, "started", ss.StartTime)
	}
}

func (b *base) isPrimary() bool {
	return Primary(b.cfg.View, b.cfg.N) == b.cfg.NodeID
}

// checkMessage rejects messages no strategy should look at.
func (b *base) checkMessage(msg *types.ConsensusMessage) error {
	if err := msg.ValidateBasic(); err != nil {
		return err
	}
	if msg.Sender >= b.cfg.N {
		return errors.Wrapf(ErrUnknownSender, "%d", msg.Sender)
	}
	return nil
}

func (b *base) validateBlock(block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	if b.cfg.Validate != nil {
		return b.cfg.Validate(block)
	}
	return nil
}

func (b *base) recordFault(kind types.FaultKind, msg *types.ConsensusMessage, detail string) {
	f := types.Fault{
		Kind:     kind,
		Sender:   msg.Sender,
		View:     msg.View,
		Sequence: msg.Sequence,
		Detail:   detail,
	}
	b.faults = append(b.faults, f)
	b.Logger.Info("Protocol fault", "fault", f)
}

// recordEquivocation records at most one fault per (sender, view, seq).
func (b *base) recordEquivocation(msg *types.ConsensusMessage, detail string) {
	key := equivocationKey{msg.Sender, msg.View, msg.Sequence}
	if _, ok := b.equivocated[key]; ok {
		return
	}
	b.equivocated[key] = struct{}{}
	b.recordFault(types.FaultEquivocation, msg, detail)
}

// newMsg builds a message from this node, signed when a signer is set.
func (b *base) newMsg(t types.MsgType, view, seq int64, digest string, block *types.Block) *types.ConsensusMessage {
	msg := &types.ConsensusMessage{
		Type:     t,
		View:     view,
		Sequence: seq,
		Digest:   digest,
		Sender:   b.cfg.NodeID,
		To:       types.Broadcast,
		Block:    block,
	}
	if b.cfg.Signer != nil {
		sig, err := b.cfg.Signer.Sign(msg.SignBytes())
		if err != nil {
			b.Logger.Error("Failed to sign message", "msg", msg, "err", err)
		} else {
			msg.Signature = sig
		}
	}
	return msg
}

func (b *base) broadcast(msg *types.ConsensusMessage) {
	b.cfg.Sender.Broadcast(msg)
}

func (b *base) send(to int, msg *types.ConsensusMessage) {
	m := msg.Copy()
	m.To = to
	b.cfg.Sender.Send(to, m)
}

// makeQC builds a certificate for digest and aggregates the signatures of
// its signers when every one of them signed.
func (b *base) makeQC(vs *cstypes.VoteSet, view, seq int64, digest string) *types.QuorumCertificate {
	qc := vs.MakeQC(view, seq, digest)
	if b.cfg.Aggregator == nil {
		return qc
	}
	signers, sigs, ok := vs.Signatures(digest)
	if !ok {
		return qc
	}
	agg, err := b.cfg.Aggregator.Aggregate(signers, sigs)
	if err != nil {
		b.Logger.Error("Failed to aggregate signatures", "seq", seq, "err", err)
		return qc
	}
	qc.Signature = agg
	return qc
}

// selfQC is the certificate of a value committed on this node's word alone.
func (b *base) selfQC(phase types.MsgType, view, seq int64, digest string, signers ...int) *types.QuorumCertificate {
	if len(signers) == 0 {
		signers = []int{b.cfg.NodeID}
	}
	sort.Ints(signers)
	return &types.QuorumCertificate{
		Sequence: seq,
		View:     view,
		Phase:    phase,
		Digest:   digest,
		Signers:  signers,
	}
}
