// Package transport moves consensus messages between nodes. The Bus is a
// deterministic in-process network used by offline clusters and the
// comparison harness; WSTransport carries the same messages over websockets
// between live node processes.
package transport

import (
	"github.com/pkg/errors"

	"marketbft/types"
)

var (
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrPeerQueueFull   = errors.New("peer queue is full")
	ErrNotRegistered   = errors.New("no receiver registered")
	ErrAlreadyAttached = errors.New("receiver already registered")
)

// Receiver is the inbound half of a node. done, when not nil, is closed once
// the message has been handled.
type Receiver interface {
	Receive(msg *types.ConsensusMessage, done chan struct{}) error
}
