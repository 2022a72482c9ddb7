package types

import (
	"marketbft/types"
)

//-----------------------------------------------------------------------------
// StepType enum type

// StepType enumerates the per-sequence state of the consensus state machine
type StepType uint8

const (
	StepIdle        = StepType(0x00)
	StepPrePrepared = StepType(0x01) // 收到合法提案, 已发出自己的投票
	StepPrepared    = StepType(0x02) // 收集到 quorum 个 prepare
	StepCommitted   = StepType(0x03)
	StepRejected    = StepType(0x04) // 区块校验失败, 终态
	StepTimedOut    = StepType(0x05) // 超时, 终态
)

func (s StepType) String() string {
	switch s {
	case StepIdle:
		return "Idle"
	case StepPrePrepared:
		return "PrePrepared"
	case StepPrepared:
		return "Prepared"
	case StepCommitted:
		return "Committed"
	case StepRejected:
		return "Rejected"
	case StepTimedOut:
		return "TimedOut"
	default:
		return "UnknownStep"
	}
}

// IsFinal reports whether no further transition is possible.
func (s StepType) IsFinal() bool {
	return s == StepCommitted || s == StepRejected || s == StepTimedOut
}

// Status maps the step onto the externally visible outcome.
func (s StepType) Status() types.Status {
	switch s {
	case StepCommitted:
		return types.StatusCommitted
	case StepRejected:
		return types.StatusRejected
	case StepTimedOut:
		return types.StatusTimedOut
	default:
		return types.StatusPending
	}
}
