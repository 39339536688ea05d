package EVMRPC

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	ErrInvalidSigner     = errors.New("evm: invalid signer")
	ErrInvalidPrivateKey = errors.New("evm: invalid private key")
	ErrInvalidSignature  = errors.New("evm: invalid signature")
)

// Signer holds the relay's signing capability for one address.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	// SignMessage signs data with the "\x19Ethereum Signed Message" prefix.
	SignMessage(data []byte) ([]byte, error)
}

type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	var addr common.Address
	if key != nil {
		addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &LocalSigner{key: key, addr: addr}
}

// ParsePrivateKey reads a hex secp256k1 key with optional 0x prefix. The
// error never carries key material.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.key == nil || tx == nil || chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrInvalidSigner
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}

func (s *LocalSigner) SignMessage(data []byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrInvalidSigner
	}
	sig, err := crypto.Sign(prefixHash(data).Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	// contracts expect v in {27, 28}
	sig[64] += 27
	return sig, nil
}

func prefixHash(data []byte) common.Hash {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256Hash([]byte(msg))
}

// RecoverMessageSigner returns the address that produced sig over data with SignMessage.
func RecoverMessageSigner(data, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[64] != 27 && sig[64] != 28 && sig[64] != 0 && sig[64] != 1 {
		return common.Address{}, errors.Wrap(ErrInvalidSignature, "wrong recovery id")
	}
	norm := append([]byte(nil), sig...)
	if norm[64] >= 27 {
		norm[64] -= 27
	}

	pub, err := crypto.SigToPub(prefixHash(data).Bytes(), norm)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}
