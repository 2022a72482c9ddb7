package types

import (
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// QuorumCertificate evidences that a set of distinct nodes agreed on one
// digest for one protocol phase of one sequence.
type QuorumCertificate struct {
	Sequence int64   `json:"sequence"`
	View     int64   `json:"view"`
	Phase    MsgType `json:"phase"`
	Digest   string  `json:"digest"`
	Signers  []int   `json:"signers"`

	// aggregated BLS signature over VoteSignBytes, empty when unsigned
	Signature tmbytes.HexBytes `json:"signature"`
}

func (qc *QuorumCertificate) Size() int {
	if qc == nil {
		return 0
	}
	return len(qc.Signers)
}

// ValidateBasic checks the certificate against a quorum threshold.
func (qc *QuorumCertificate) ValidateBasic(threshold int) error {
	if qc == nil {
		return errors.New("nil quorum certificate")
	}
	if qc.Digest == "" {
		return errors.New("quorum certificate had no digest")
	}
	seen := make(map[int]struct{}, len(qc.Signers))
	for _, s := range qc.Signers {
		if _, ok := seen[s]; ok {
			return errors.Errorf("duplicate signer %d", s)
		}
		seen[s] = struct{}{}
	}
	if len(seen) < threshold {
		return errors.Errorf("quorum certificate has %d signers, need %d", len(seen), threshold)
	}
	return nil
}

func (qc *QuorumCertificate) SignBytes() []byte {
	return VoteSignBytes(qc.Phase, qc.View, qc.Sequence, qc.Digest)
}

func (qc *QuorumCertificate) String() string {
	if qc == nil {
		return "nil-QC"
	}
	return fmt.Sprintf("QC{%v s:%d %s %v}", qc.Phase, qc.Sequence, shortHash(qc.Digest), qc.Signers)
}
