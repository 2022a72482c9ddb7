package store

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"marketbft/types"
)

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS blockchain (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		block_index INTEGER NOT NULL UNIQUE,
		timestamp   INTEGER NOT NULL,
		data_json   TEXT NOT NULL,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL UNIQUE,
		nonce       INTEGER NOT NULL,
		created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	)`,
	"CREATE INDEX IF NOT EXISTS idx_block_index ON blockchain(block_index)",
	"CREATE INDEX IF NOT EXISTS idx_hash ON blockchain(hash)",
}

const blockColumns = "block_index, timestamp, data_json, prev_hash, hash, nonce"

// SQLStore keeps the ledger in a sqlite file, one row per block.
type SQLStore struct {
	mtx sync.Mutex
	db  *sql.DB

	logger log.Logger
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range sqlSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	return &SQLStore{db: db, logger: log.NewNopLogger()}, nil
}

func (s *SQLStore) SetLogger(l log.Logger) {
	s.logger = l
}

func (s *SQLStore) Append(block *types.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	latest, err := scanBlock(tx.QueryRow("SELECT " + blockColumns + " FROM blockchain ORDER BY block_index DESC LIMIT 1"))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	exists := func(index int64) (*types.Block, error) {
		return scanBlock(tx.QueryRow("SELECT "+blockColumns+" FROM blockchain WHERE block_index = ?", index))
	}
	if err := checkAppend(latest, block, exists); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO blockchain ("+blockColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		block.Index, block.Timestamp, block.DataJSON(), block.PrevHash, block.Hash, block.Nonce); err != nil {
		return errors.Wrapf(err, "append block %d", block.Index)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "append block %d", block.Index)
	}
	s.logger.Debug("appended block", "block", block)
	return nil
}

func (s *SQLStore) Query(from, to int64) ([]*types.Block, error) {
	rows, err := s.db.Query("SELECT "+blockColumns+" FROM blockchain WHERE block_index BETWEEN ? AND ? ORDER BY block_index", from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := make([]*types.Block, 0)
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (s *SQLStore) Latest() (*types.Block, error) {
	return scanBlock(s.db.QueryRow("SELECT " + blockColumns + " FROM blockchain ORDER BY block_index DESC LIMIT 1"))
}

func (s *SQLStore) BlockByIndex(index int64) (*types.Block, error) {
	b, err := scanBlock(s.db.QueryRow("SELECT "+blockColumns+" FROM blockchain WHERE block_index = ?", index))
	return b, errors.Wrapf(err, "index %d", index)
}

func (s *SQLStore) BlockByHash(hash string) (*types.Block, error) {
	b, err := scanBlock(s.db.QueryRow("SELECT "+blockColumns+" FROM blockchain WHERE hash = ?", hash))
	return b, errors.Wrapf(err, "hash %s", hash)
}

func (s *SQLStore) Count() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM blockchain").Scan(&n)
	return n, err
}

func (s *SQLStore) Stats() (Stats, error) {
	var (
		st             Stats
		minIdx, maxIdx sql.NullInt64
		minTs, maxTs   sql.NullInt64
	)
	err := s.db.QueryRow(`SELECT COUNT(*), MIN(block_index), MAX(block_index), MIN(timestamp), MAX(timestamp)
		FROM blockchain`).Scan(&st.Total, &minIdx, &maxIdx, &minTs, &maxTs)
	if err != nil {
		return Stats{}, err
	}
	st.MinIndex, st.MaxIndex = minIdx.Int64, maxIdx.Int64
	st.MinTimestamp, st.MaxTimestamp = minTs.Int64, maxTs.Int64
	return st, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*types.Block, error) {
	var (
		b        types.Block
		dataJSON string
	)
	err := row.Scan(&b.Index, &b.Timestamp, &dataJSON, &b.PrevHash, &b.Hash, &b.Nonce)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Txs = types.Txs{}
	if err := tmjson.Unmarshal([]byte(dataJSON), &b.Txs); err != nil {
		return nil, errors.Wrapf(err, "decode data_json of block %d", b.Index)
	}
	return &b, nil
}
