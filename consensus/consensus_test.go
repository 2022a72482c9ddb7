package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/libs/clock"
	"marketbft/types"
)

// ----- utility func -----

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type envelope struct {
	to  int
	msg *types.ConsensusMessage
}

// testNet is a FIFO router between the strategies of one test cluster.
type testNet struct {
	t       *testing.T
	n       int
	nodes   []Strategy
	queue   []envelope
	crashed map[int]bool
	clock   *clock.Logical
	sent    int
	qcs     map[int][]*types.QuorumCertificate
}

type netSender struct {
	net *testNet
	id  int
}

func (s netSender) Broadcast(msg *types.ConsensusMessage) {
	for to := 0; to < s.net.n; to++ {
		if to != s.id {
			s.net.enqueue(to, msg)
		}
	}
}

func (s netSender) Send(to int, msg *types.ConsensusMessage) {
	s.net.enqueue(to, msg)
}

func (tn *testNet) enqueue(to int, msg *types.ConsensusMessage) {
	tn.sent++
	tn.queue = append(tn.queue, envelope{to: to, msg: msg})
}

type configOption func(*Config)

func newTestNet(t *testing.T, kind Kind, n int, opts ...configOption) *testNet {
	tn := &testNet{
		t:       t,
		n:       n,
		crashed: make(map[int]bool),
		clock:   clock.NewLogical(testStart),
		qcs:     make(map[int][]*types.QuorumCertificate),
	}
	for i := 0; i < n; i++ {
		cfg := DefaultConfig(i, n)
		cfg.Timeout = 2 * time.Second
		cfg.Clock = tn.clock
		cfg.Sender = netSender{net: tn, id: i}
		cfg.Logger = log.TestingLogger().With("node", i)
		for _, opt := range opts {
			opt(&cfg)
		}
		s, err := NewStrategy(kind, cfg)
		require.NoError(t, err)
		tn.nodes = append(tn.nodes, s)
	}
	return tn
}

// drain delivers queued messages until the queue is empty. Messages to
// crashed nodes are lost.
func (tn *testNet) drain() {
	for len(tn.queue) > 0 {
		env := tn.queue[0]
		tn.queue = tn.queue[1:]
		if tn.crashed[env.to] {
			continue
		}
		tn.clock.Advance(time.Millisecond)
		qc, err := tn.nodes[env.to].Handle(env.msg)
		require.NoError(tn.t, err, "node %d handling %v", env.to, env.msg)
		if qc != nil {
			tn.qcs[env.to] = append(tn.qcs[env.to], qc)
		}
	}
}

// committed returns the digest each node committed for seq, "" if none.
func (tn *testNet) committed(seq int64) []string {
	out := make([]string, tn.n)
	for i, s := range tn.nodes {
		if b, err := s.Finalize(seq); err == nil {
			out[i] = b.Hash
		}
	}
	return out
}

// captureSender records outbound messages of a strategy driven by hand.
type captureSender struct {
	msgs []*types.ConsensusMessage
}

func (cs *captureSender) Broadcast(msg *types.ConsensusMessage) {
	cs.msgs = append(cs.msgs, msg)
}

func (cs *captureSender) Send(to int, msg *types.ConsensusMessage) {
	cs.msgs = append(cs.msgs, msg)
}

func (cs *captureSender) ofType(t types.MsgType) []*types.ConsensusMessage {
	var out []*types.ConsensusMessage
	for _, m := range cs.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newCaptured(t *testing.T, kind Kind, id, n int, opts ...configOption) (Strategy, *captureSender, *clock.Logical) {
	clk := clock.NewLogical(testStart)
	sender := &captureSender{}
	cfg := DefaultConfig(id, n)
	cfg.Timeout = 2 * time.Second
	cfg.Clock = clk
	cfg.Sender = sender
	cfg.Logger = log.TestingLogger()
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewStrategy(kind, cfg)
	require.NoError(t, err)
	return s, sender, clk
}

func makeTxs(tag string, count int) types.Txs {
	txs := make(types.Txs, count)
	for i := range txs {
		txs[i] = types.Tx{
			ID: fmt.Sprintf("%s-%03d", tag, i),
			Payload: types.MarketEvent{
				Asset:     "BTC",
				Price:     50000 + float64(i),
				Source:    "MockData",
				Timestamp: testStart.Unix(),
			},
			Timestamp: testStart.UnixNano() / int64(time.Millisecond),
		}
	}
	return txs
}

// makeBlock builds block 1 on genesis. Different tags give different
// digests for the same sequence.
func makeBlock(tag string) *types.Block {
	return types.MakeBlock(types.GenesisBlock(), testStart.UnixNano()/int64(time.Millisecond), makeTxs(tag, 2))
}

// msgFrom builds an unsigned message as node sender would send it.
func msgFrom(sender int, t types.MsgType, view int64, block *types.Block) *types.ConsensusMessage {
	msg := &types.ConsensusMessage{
		Type:     t,
		View:     view,
		Sequence: block.Index,
		Digest:   block.Hash,
		Sender:   sender,
		To:       types.Broadcast,
	}
	switch t {
	case types.MsgPrePrepare, types.MsgPropose, types.MsgGossip, types.MsgUpdate, types.MsgAccept:
		msg.Block = block
	}
	return msg
}
