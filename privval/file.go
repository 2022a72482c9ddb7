package privval

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/xof/blake2xb"

	"marketbft/types"
)

// 所有节点共用的配对曲线
var suite = bn256.NewSuite()

// Signer signs consensus messages on behalf of one node.
type Signer interface {
	NodeID() int
	Sign(msg []byte) ([]byte, error)
}

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	NodeID  int              `json:"node_id"`
	PubKey  tmbytes.HexBytes `json:"pub_key"`
	PrivKey tmbytes.HexBytes `json:"priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() error {
	outFile := pvKey.filePath
	if outFile == "" {
		return errors.New("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
}

//-------------------------------------------------------------------------------

// FilePV is a BLS signer whose key is persisted to disk.
type FilePV struct {
	Key FilePVKey

	priv kyber.Scalar
	pub  kyber.Point
}

var _ Signer = (*FilePV)(nil)

// deriveKeyPair 根据种子和节点编号生成节点的BLS密钥
func deriveKeyPair(seed int64, idx int) (kyber.Scalar, kyber.Point) {
	return bls.NewKeyPair(suite, blake2xb.New([]byte(fmt.Sprintf("marketbft/%d/%d", seed, idx))))
}

func newFilePV(idx int, priv kyber.Scalar, pub kyber.Point, keyFilePath string) (*FilePV, error) {
	privBz, err := priv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pubBz, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &FilePV{
		Key: FilePVKey{
			NodeID:   idx,
			PubKey:   pubBz,
			PrivKey:  privBz,
			filePath: keyFilePath,
		},
		priv: priv,
		pub:  pub,
	}, nil
}

// GenFilePVWithSeedAndIdx derives the key of node idx from the cluster seed,
// so every node can rebuild the validator set from the seed alone.
func GenFilePVWithSeedAndIdx(keyFilePath string, idx int, seed int64) (*FilePV, error) {
	priv, pub := deriveKeyPair(seed, idx)
	return newFilePV(idx, priv, pub, keyFilePath)
}

// LoadFilePV loads a FilePV from keyFilePath.
func LoadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		return nil, errors.Wrapf(err, "error reading PrivValidator key from %v", keyFilePath)
	}

	priv := suite.G2().Scalar()
	if err := priv.UnmarshalBinary(pvKey.PrivKey); err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	// overwrite pubkey for convenience
	pub := suite.G2().Point().Mul(priv, nil)
	return newFilePV(pvKey.NodeID, priv, pub, keyFilePath)
}

// LoadOrGenFilePV loads a FilePV from keyFilePath or else derives one and
// saves it.
func LoadOrGenFilePV(keyFilePath string, idx int, seed int64) (*FilePV, error) {
	if tmos.FileExists(keyFilePath) {
		return LoadFilePV(keyFilePath)
	}
	pv, err := GenFilePVWithSeedAndIdx(keyFilePath, idx, seed)
	if err != nil {
		return nil, err
	}
	return pv, pv.Save()
}

func (pv *FilePV) NodeID() int {
	return pv.Key.NodeID
}

func (pv *FilePV) PubKey() kyber.Point {
	return pv.pub
}

func (pv *FilePV) Sign(msg []byte) ([]byte, error) {
	return bls.Sign(suite, pv.priv, msg)
}

// SignMessage sets the signature of a consensus message.
func (pv *FilePV) SignMessage(msg *types.ConsensusMessage) error {
	sig, err := pv.Sign(msg.SignBytes())
	if err != nil {
		return errors.Wrapf(err, "error signing %v", msg)
	}
	msg.Signature = sig
	return nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() error {
	return pv.Key.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%d %X}", pv.Key.NodeID, []byte(pv.Key.PubKey[:8]))
}
