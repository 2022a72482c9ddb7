package types

import "fmt"

type FaultKind uint8

const (
	FaultEquivocation     = FaultKind(1) // two digests from one sender for one (view, seq)
	FaultDigestMismatch   = FaultKind(2)
	FaultStaleView        = FaultKind(3)
	FaultWrongProposer    = FaultKind(4)
	FaultConflict         = FaultKind(5) // diverging value under a non-quorum strategy
	FaultInvalidSignature = FaultKind(6)
)

func (k FaultKind) String() string {
	switch k {
	case FaultEquivocation:
		return "Equivocation"
	case FaultDigestMismatch:
		return "DigestMismatch"
	case FaultStaleView:
		return "StaleView"
	case FaultWrongProposer:
		return "WrongProposer"
	case FaultConflict:
		return "Conflict"
	case FaultInvalidSignature:
		return "InvalidSignature"
	default:
		return "UnknownFault"
	}
}

// Fault is a protocol fault attributed to a sender. Faults are recorded and
// reported, they never stop a node.
type Fault struct {
	Kind     FaultKind `json:"kind"`
	Sender   int       `json:"sender"`
	View     int64     `json:"view"`
	Sequence int64     `json:"sequence"`
	Detail   string    `json:"detail"`
}

func (f Fault) String() string {
	return fmt.Sprintf("%v{sender:%d v:%d s:%d %s}", f.Kind, f.Sender, f.View, f.Sequence, f.Detail)
}
