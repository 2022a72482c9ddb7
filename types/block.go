package types

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Block is the unit of the replicated ledger. Once committed it is immutable.
type Block struct {
	Index     int64  `json:"index"`
	PrevHash  string `json:"prev_hash"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Nonce     int64  `json:"nonce"`     // carried and hashed, never checked
	Txs       Txs    `json:"txs"`
	Hash      string `json:"hash"`
}

// DataJSON is the canonical encoding of the transaction list. It is the
// data_json column of a ledger record and part of the hash preimage.
func (b *Block) DataJSON() string {
	if len(b.Txs) == 0 {
		return "[]"
	}
	bz, err := tmjson.Marshal(b.Txs)
	if err != nil {
		panic(err)
	}
	return string(bz)
}

// ComputeHash recomputes the digest over every field except Hash.
func (b *Block) ComputeHash() string {
	h := tmhash.New()
	fmt.Fprintf(h, "%d%d%s%s%d", b.Index, b.Timestamp, b.DataJSON(), b.PrevHash, b.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal fills Hash and returns the block.
func (b *Block) Seal() *Block {
	b.Hash = b.ComputeHash()
	return b
}

// ValidateBasic checks that the block is internally consistent. It does not
// check the link to its predecessor, see VerifyLink.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Index < 0 {
		return errors.Errorf("negative block index %d", b.Index)
	}
	if b.PrevHash == "" {
		return errors.Errorf("block %d had no prev_hash", b.Index)
	}
	if b.Hash == "" {
		return errors.Errorf("block %d had no hash", b.Index)
	}
	if got := b.ComputeHash(); got != b.Hash {
		return errors.Errorf("block %d hash mismatch: have %s, computed %s", b.Index, b.Hash, got)
	}
	for _, tx := range b.Txs {
		if err := tx.ValidateBasic(); err != nil {
			return errors.Wrapf(err, "block %d", b.Index)
		}
	}
	return nil
}

// Copy returns a deep copy. Used where a block is going to be altered, e.g.
// to forge a conflicting proposal in tests.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	nb := *b
	nb.Txs = make(Txs, len(b.Txs))
	copy(nb.Txs, b.Txs)
	return &nb
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d %s txs:%d prev:%s}", b.Index, shortHash(b.Hash), len(b.Txs), shortHash(b.PrevHash))
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
