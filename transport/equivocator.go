package transport

import (
	"encoding/hex"
	"sync"

	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"

	"marketbft/consensus"
	"marketbft/privval"
	"marketbft/types"
)

// Equivocator wraps the sender of a Byzantine node. Even-indexed recipients
// get the real message; odd-indexed recipients get the same message for a
// forged digest. A forged block differs from the real one only by its nonce,
// so it is structurally valid and links to the same parent.
type Equivocator struct {
	inner  consensus.Sender
	self   int
	n      int
	signer privval.Signer

	mtx    sync.Mutex
	forged map[string]*types.Block // real digest -> forged block

	Logger log.Logger
}

var _ consensus.Sender = (*Equivocator)(nil)

// NewEquivocator wraps inner for node self of an n node cluster. signer may
// be nil, forged messages are then sent unsigned.
func NewEquivocator(inner consensus.Sender, self, n int, signer privval.Signer) *Equivocator {
	return &Equivocator{
		inner:  inner,
		self:   self,
		n:      n,
		signer: signer,
		forged: make(map[string]*types.Block),
		Logger: log.NewNopLogger(),
	}
}

func (e *Equivocator) SetLogger(l log.Logger) {
	e.Logger = l
}

func (e *Equivocator) Broadcast(msg *types.ConsensusMessage) {
	for to := 0; to < e.n; to++ {
		if to != e.self {
			e.Send(to, msg)
		}
	}
}

func (e *Equivocator) Send(to int, msg *types.ConsensusMessage) {
	if to%2 == 1 {
		msg = e.Forge(msg)
	}
	e.inner.Send(to, msg)
}

// Forge returns msg rewritten for a forged digest. Messages without a digest
// are returned unchanged.
func (e *Equivocator) Forge(msg *types.ConsensusMessage) *types.ConsensusMessage {
	if msg.Digest == "" {
		return msg
	}
	fm := msg.Copy()
	if msg.Block != nil {
		fb := e.forgeBlock(msg.Block)
		fm.Block = fb
		fm.Digest = fb.Hash
	} else {
		fm.Digest = e.forgeDigest(msg.Digest)
	}
	fm.Signature = nil
	if e.signer != nil {
		sig, err := e.signer.Sign(fm.SignBytes())
		if err != nil {
			e.Logger.Error("Failed to sign forged message", "msg", fm, "err", err)
		} else {
			fm.Signature = sig
		}
	}
	e.Logger.Debug("Equivocating", "real", msg, "forged", fm)
	return fm
}

func (e *Equivocator) forgeBlock(b *types.Block) *types.Block {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if fb, ok := e.forged[b.Hash]; ok {
		return fb
	}
	fb := b.Copy()
	fb.Nonce = b.Nonce + 1
	fb.Seal()
	e.forged[b.Hash] = fb
	return fb
}

// forgeDigest maps a real digest to the digest of its forged block when one
// was sent, so forged votes match forged proposals.
func (e *Equivocator) forgeDigest(digest string) string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if fb, ok := e.forged[digest]; ok {
		return fb.Hash
	}
	return hex.EncodeToString(tmhash.Sum([]byte("forged/" + digest)))
}
