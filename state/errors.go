package state

import "github.com/pkg/errors"

var (
	ErrInvalidBlock     = errors.New("invalid block")
	ErrConflictingBlock = errors.New("block conflicts with the committed ledger")
	ErrStaleBlock       = errors.New("block at or below the committed height")
)
