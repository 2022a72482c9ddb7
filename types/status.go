package types

// Status is the externally visible outcome of a sequence.
type Status uint8

const (
	StatusPending   = Status(0)
	StatusCommitted = Status(1)
	StatusRejected  = Status(2)
	StatusTimedOut  = Status(3)
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusCommitted:
		return "Committed"
	case StatusRejected:
		return "Rejected"
	case StatusTimedOut:
		return "TimedOut"
	default:
		return "UnknownStatus"
	}
}

// IsFinal is true for every status except Pending.
func (s Status) IsFinal() bool {
	return s != StatusPending
}
