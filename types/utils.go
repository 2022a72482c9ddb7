package types

import (
	"github.com/pkg/errors"
)

// GenesisPrevHash is the prev_hash sentinel of the genesis block.
const GenesisPrevHash = "0000_genesis"

var (
	ErrBrokenLink = errors.New("broken hash link")
)

// GenesisBlock returns the block every node starts from. All fields are fixed
// so that the genesis hash is identical across nodes and runs.
func GenesisBlock() *Block {
	return (&Block{
		Index:     0,
		PrevHash:  GenesisPrevHash,
		Timestamp: 0,
		Nonce:     0,
		Txs:       Txs{},
	}).Seal()
}

// MakeBlock builds the successor of prev holding txs.
func MakeBlock(prev *Block, timestamp int64, txs Txs) *Block {
	if txs == nil {
		txs = Txs{}
	}
	return (&Block{
		Index:     prev.Index + 1,
		PrevHash:  prev.Hash,
		Timestamp: timestamp,
		Nonce:     0,
		Txs:       txs,
	}).Seal()
}

// VerifyLink checks next against its predecessor.
func VerifyLink(prev, next *Block) error {
	if next.Index != prev.Index+1 {
		return errors.Wrapf(ErrBrokenLink, "index %d does not follow %d", next.Index, prev.Index)
	}
	if next.PrevHash != prev.Hash {
		return errors.Wrapf(ErrBrokenLink, "block %d prev_hash %s != %s", next.Index, next.PrevHash, prev.Hash)
	}
	return nil
}

// VerifyChain replays hash recomputation and prev_hash links over an ordered
// run of blocks.
func VerifyChain(blocks []*Block) error {
	for i, b := range blocks {
		if err := b.ValidateBasic(); err != nil {
			return err
		}
		if i == 0 {
			if b.Index == 0 && b.PrevHash != GenesisPrevHash {
				return errors.Wrapf(ErrBrokenLink, "genesis prev_hash %s", b.PrevHash)
			}
			continue
		}
		if err := VerifyLink(blocks[i-1], b); err != nil {
			return err
		}
	}
	return nil
}
