package types

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTxs(n int) Txs {
	txs := make(Txs, n)
	for i := 0; i < n; i++ {
		txs[i] = Tx{
			ID:        string(rune('a'+i)) + "-tx",
			Payload:   MarketEvent{Asset: "BTC", Price: 50000 + float64(i), Source: "MockData", Timestamp: 1700000000},
			Timestamp: 1700000000000,
		}
	}
	return txs
}

func makeChain(length int) []*Block {
	chain := []*Block{GenesisBlock()}
	for i := 1; i < length; i++ {
		chain = append(chain, MakeBlock(chain[i-1], int64(1700000000000+i), makeTxs(i%4)))
	}
	return chain
}

func TestGenesisBlock(t *testing.T) {
	g1, g2 := GenesisBlock(), GenesisBlock()
	assert.Equal(t, g1.Hash, g2.Hash, "genesis must be identical across nodes")
	assert.Equal(t, GenesisPrevHash, g1.PrevHash)
	assert.Equal(t, int64(0), g1.Index)
	require.NoError(t, g1.ValidateBasic())
}

func TestBlockHash(t *testing.T) {
	genesis := GenesisBlock()
	b := MakeBlock(genesis, 1700000000123, makeTxs(3))

	assert.Equal(t, int64(1), b.Index)
	assert.Equal(t, genesis.Hash, b.PrevHash)
	assert.Equal(t, b.ComputeHash(), b.Hash)
	assert.Len(t, b.Hash, 64)

	tests := []struct {
		name   string
		mutate func(b *Block)
	}{
		{"index", func(b *Block) { b.Index++ }},
		{"prev_hash", func(b *Block) { b.PrevHash = "ff" }},
		{"timestamp", func(b *Block) { b.Timestamp++ }},
		{"nonce", func(b *Block) { b.Nonce = 7 }},
		{"txs", func(b *Block) { b.Txs[0].Payload.Price = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forged := b.Copy()
			tt.mutate(forged)
			assert.NotEqual(t, b.Hash, forged.ComputeHash())
			assert.Error(t, forged.ValidateBasic())
		})
	}
	assert.NoError(t, b.ValidateBasic(), "copy must not alias the original txs")
}

func TestEmptyTxsEncodeIdentically(t *testing.T) {
	a := &Block{Index: 1, PrevHash: "x", Txs: nil}
	b := &Block{Index: 1, PrevHash: "x", Txs: Txs{}}
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
	assert.Equal(t, "[]", a.DataJSON())
}

func TestVerifyChain(t *testing.T) {
	chain := makeChain(6)
	require.NoError(t, VerifyChain(chain))
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].Hash, chain[i].PrevHash)
	}

	broken := make([]*Block, len(chain))
	copy(broken, chain)
	broken[3] = MakeBlock(chain[1], 1, nil)
	err := VerifyChain(broken)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokenLink))

	tampered := make([]*Block, len(chain))
	copy(tampered, chain)
	tampered[2] = chain[2].Copy()
	tampered[2].Txs = makeTxs(1)
	assert.Error(t, VerifyChain(tampered))
}

func TestMessageValidateBasic(t *testing.T) {
	b := MakeBlock(GenesisBlock(), 1, makeTxs(1))

	tests := []struct {
		name    string
		msg     ConsensusMessage
		wantErr bool
	}{
		{"pre-prepare", ConsensusMessage{Type: MsgPrePrepare, Sequence: 1, Digest: b.Hash, Block: b}, false},
		{"prepare", ConsensusMessage{Type: MsgPrepare, Sequence: 1, Digest: b.Hash, Sender: 2}, false},
		{"promise request without digest", ConsensusMessage{Type: MsgPromiseRequest, Sequence: 1, View: 3}, false},
		{"unknown type", ConsensusMessage{Type: MsgType(0x7f), Sequence: 1, Digest: b.Hash}, true},
		{"zero sequence", ConsensusMessage{Type: MsgPrepare, Digest: b.Hash}, true},
		{"missing digest", ConsensusMessage{Type: MsgCommit, Sequence: 1}, true},
		{"pre-prepare without block", ConsensusMessage{Type: MsgPrePrepare, Sequence: 1, Digest: b.Hash}, true},
		{"negative sender", ConsensusMessage{Type: MsgVote, Sequence: 1, Digest: b.Hash, Sender: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.ValidateBasic()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageMatchesBlock(t *testing.T) {
	b := MakeBlock(GenesisBlock(), 1, makeTxs(2))
	msg := &ConsensusMessage{Type: MsgPrePrepare, Sequence: 1, Digest: b.Hash, Block: b}
	assert.True(t, msg.MatchesBlock())

	forged := msg.Copy()
	forged.Digest = GenesisBlock().Hash
	assert.False(t, forged.MatchesBlock(), "digest of another block is a non-matching vote")

	wrongSeq := msg.Copy()
	wrongSeq.Sequence = 2
	assert.False(t, wrongSeq.MatchesBlock())
}

func TestQuorumCertificateValidateBasic(t *testing.T) {
	qc := &QuorumCertificate{Sequence: 1, Phase: MsgCommit, Digest: "d", Signers: []int{0, 1, 2}}
	assert.NoError(t, qc.ValidateBasic(3))
	assert.Error(t, qc.ValidateBasic(4))

	dup := &QuorumCertificate{Sequence: 1, Phase: MsgCommit, Digest: "d", Signers: []int{0, 1, 1}}
	assert.Error(t, dup.ValidateBasic(2))
}
