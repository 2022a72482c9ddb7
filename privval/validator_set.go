package privval

import (
	"sort"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"

	"marketbft/types"
)

var (
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidatorSet holds the public keys of the cluster, indexed by node id.
type ValidatorSet struct {
	pubKeys []kyber.Point
}

func NewValidatorSet(pubKeys []kyber.Point) *ValidatorSet {
	return &ValidatorSet{pubKeys: pubKeys}
}

// GenValidatorSet derives the keys of an n node cluster from seed. The i-th
// signer has the key GenFilePVWithSeedAndIdx would give node i.
func GenValidatorSet(n int, seed int64) (*ValidatorSet, []*FilePV) {
	pubs := make([]kyber.Point, n)
	pvs := make([]*FilePV, n)
	for i := 0; i < n; i++ {
		pv, err := GenFilePVWithSeedAndIdx("", i, seed)
		if err != nil {
			panic(err)
		}
		pvs[i] = pv
		pubs[i] = pv.PubKey()
	}
	return NewValidatorSet(pubs), pvs
}

func (vs *ValidatorSet) Size() int {
	return len(vs.pubKeys)
}

func (vs *ValidatorSet) PubKey(id int) (kyber.Point, error) {
	if id < 0 || id >= len(vs.pubKeys) {
		return nil, errors.Wrapf(ErrUnknownValidator, "id %d", id)
	}
	return vs.pubKeys[id], nil
}

func (vs *ValidatorSet) Verify(id int, msg, sig []byte) error {
	pub, err := vs.PubKey(id)
	if err != nil {
		return err
	}
	if err := bls.Verify(suite, pub, msg, sig); err != nil {
		return errors.Wrapf(ErrInvalidSignature, "validator %d: %v", id, err)
	}
	return nil
}

// VerifyMessage checks the signature of msg against its sender's key.
func (vs *ValidatorSet) VerifyMessage(msg *types.ConsensusMessage) error {
	if len(msg.Signature) == 0 {
		return errors.Wrapf(ErrInvalidSignature, "unsigned %v", msg)
	}
	return vs.Verify(msg.Sender, msg.SignBytes(), msg.Signature)
}

// Aggregate combines the signatures of signers over the same bytes.
func (vs *ValidatorSet) Aggregate(signers []int, sigs [][]byte) ([]byte, error) {
	if len(signers) != len(sigs) || len(sigs) == 0 {
		return nil, errors.Errorf("cannot aggregate %d signatures of %d signers", len(sigs), len(signers))
	}
	for _, id := range signers {
		if _, err := vs.PubKey(id); err != nil {
			return nil, err
		}
	}
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyQC checks the aggregated signature of qc against the keys of its
// signers.
func (vs *ValidatorSet) VerifyQC(qc *types.QuorumCertificate) error {
	if len(qc.Signature) == 0 {
		return errors.Wrapf(ErrInvalidSignature, "unsigned %v", qc)
	}
	signers := append([]int(nil), qc.Signers...)
	sort.Ints(signers)
	pubs := make([]kyber.Point, 0, len(signers))
	for _, id := range signers {
		pub, err := vs.PubKey(id)
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
	}
	aggPub := bls.AggregatePublicKeys(suite, pubs...)
	if err := bls.Verify(suite, aggPub, qc.SignBytes(), qc.Signature); err != nil {
		return errors.Wrapf(ErrInvalidSignature, "%v: %v", qc, err)
	}
	return nil
}
