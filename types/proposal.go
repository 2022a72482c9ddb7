package types

import "fmt"

// ProposalID identifies one proposal attempt.
type ProposalID struct {
	View     int64  `json:"view"`
	Sequence int64  `json:"sequence"`
	Digest   string `json:"digest"`
}

func (p ProposalID) String() string {
	return fmt.Sprintf("%d/%d/%s", p.View, p.Sequence, shortHash(p.Digest))
}
