package store

import (
	"path/filepath"

	"github.com/pkg/errors"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"

	cfg "marketbft/config"
	"marketbft/types"
)

var (
	ErrNonContiguous = errors.New("block does not extend the ledger")
	ErrBlockExists   = errors.New("block already in ledger")
	ErrNotFound      = errors.New("block not found")
	ErrInvalidBlock  = errors.New("invalid block")
	ErrIntegrity     = errors.New("ledger integrity check failed")
)

// Store is the append-only ledger of committed blocks.
type Store interface {
	// Append adds the successor of the latest block. The first block must be
	// genesis. Appends are atomic, a failed append leaves the ledger as it was.
	Append(block *types.Block) error

	// Query returns the blocks with from <= index <= to in index order.
	Query(from, to int64) ([]*types.Block, error)

	Latest() (*types.Block, error)
	BlockByIndex(index int64) (*types.Block, error)
	BlockByHash(hash string) (*types.Block, error)
	Count() (int64, error)
	Stats() (Stats, error)

	Close() error
}

// Stats summarizes the ledger.
type Stats struct {
	Total        int64 `json:"total"`
	MinIndex     int64 `json:"min_index"`
	MaxIndex     int64 `json:"max_index"`
	MinTimestamp int64 `json:"min_timestamp"`
	MaxTimestamp int64 `json:"max_timestamp"`
}

// NewStore opens the ledger for backend. name is the database name under dir.
func NewStore(backend, name, dir string) (Store, error) {
	switch backend {
	case cfg.BackendMemDB:
		return NewKVStore(memdb.NewDB())
	case cfg.BackendGoLevelDB:
		db, err := goleveldb.NewDB(name, dir)
		if err != nil {
			return nil, err
		}
		return NewKVStore(db)
	case cfg.BackendSQLite:
		if err := tmos.EnsureDir(dir, cfg.DefaultDirPerm); err != nil {
			return nil, err
		}
		return NewSQLStore(filepath.Join(dir, name+".sqlite"))
	default:
		return nil, errors.Errorf("unknown ledger backend %q", backend)
	}
}

// checkAppend decides whether block may follow latest. exists looks up the
// block already stored at block.Index, if any.
func checkAppend(latest, block *types.Block, exists func(int64) (*types.Block, error)) error {
	if err := block.ValidateBasic(); err != nil {
		return errors.Wrap(ErrInvalidBlock, err.Error())
	}
	if latest == nil {
		if block.Index != 0 || block.PrevHash != types.GenesisPrevHash {
			return errors.Wrapf(ErrNonContiguous, "empty ledger, got block %d", block.Index)
		}
		return nil
	}
	if block.Index <= latest.Index {
		stored, err := exists(block.Index)
		if err != nil {
			return err
		}
		if stored.Hash == block.Hash {
			return errors.Wrapf(ErrBlockExists, "block %d", block.Index)
		}
		return errors.Wrapf(ErrNonContiguous, "conflicting block at %d", block.Index)
	}
	if err := types.VerifyLink(latest, block); err != nil {
		return errors.Wrap(ErrNonContiguous, err.Error())
	}
	return nil
}

const verifyPageSize = 256

// VerifyChain replays hash recomputation and links over the whole ledger.
func VerifyChain(s Store) error {
	latest, err := s.Latest()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var prev *types.Block
	for from := int64(0); from <= latest.Index; from += verifyPageSize {
		blocks, err := s.Query(from, from+verifyPageSize-1)
		if err != nil {
			return err
		}
		if prev != nil {
			blocks = append([]*types.Block{prev}, blocks...)
		}
		if len(blocks) > 0 && prev == nil && blocks[0].Index != 0 {
			return errors.Wrapf(ErrIntegrity, "ledger starts at %d", blocks[0].Index)
		}
		if err := types.VerifyChain(blocks); err != nil {
			return errors.Wrap(ErrIntegrity, err.Error())
		}
		if len(blocks) > 0 {
			prev = blocks[len(blocks)-1]
		}
	}
	if prev == nil || prev.Index != latest.Index {
		return errors.Wrapf(ErrIntegrity, "ledger has gaps before %d", latest.Index)
	}
	return nil
}
