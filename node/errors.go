package node

import "github.com/pkg/errors"

var (
	ErrWindowFull     = errors.New("in-flight window is full")
	ErrNodeNotRunning = errors.New("node is not running")
	ErrUnknownNode    = errors.New("unknown node")
)
