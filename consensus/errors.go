package consensus

import "github.com/pkg/errors"

var (
	ErrNotCommitted    = errors.New("sequence not committed")
	ErrNotPrimary      = errors.New("node is not the primary")
	ErrInvalidProposal = errors.New("invalid proposal")
	ErrSequenceInUse   = errors.New("sequence already has a proposal")
	ErrUnknownStrategy = errors.New("unknown consensus strategy")
	ErrInvalidParams   = errors.New("invalid consensus parameters")
	ErrUnknownSender   = errors.New("unknown sender")
)
