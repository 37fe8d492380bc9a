package util

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignatureLen mirrors ErrInvalidSignatureLen, which
// is only available in cgo builds of go-ethereum.
var ErrInvalidSignatureLen = errors.New("invalid signature length")

// Wallet holds a secp256k1 key pair. Used by callers (issuers, holders,
// admins) to sign requests and attestation claims, and by tests.
type Wallet struct {
	Address *common.Address
	Key     *ecdsa.PrivateKey
}

// normalizeRecoveryID maps the V byte of a signature to the 0/1 range
// expected by crypto.SigToPub. eth_sign-style signatures carry V as 27
// or 28; some wallets already produce 0 or 1. Returns a restore func for
// callers that must not mutate the input.
func normalizeRecoveryID(sig []byte) (func(), error) {
	v := &sig[crypto.RecoveryIDOffset]
	switch *v {
	case 27, 28:
		*v -= 27
		return func() { *v += 27 }, nil
	case 0, 1:
		return func() {}, nil
	default:
		return nil, fmt.Errorf("invalid recovery ID: %d", *v)
	}
}

// RecoverAddressFromSignature recovers the signer of a personal-sign
// (eth_sign) message. Used to authenticate API request envelopes.
func RecoverAddressFromSignature(msg []byte, sig []byte) (*common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, ErrInvalidSignatureLen
	}
	restore, err := normalizeRecoveryID(sig)
	if err != nil {
		return nil, err
	}
	defer restore()

	pubKey, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(*pubKey)
	return &address, nil
}

// RecoverAddressFromDigest recovers the signer of a raw 32-byte digest.
// Attestation claims are signed over their canonical digest without the
// personal-sign prefix.
func RecoverAddressFromDigest(digest common.Hash, sig []byte) (*common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, ErrInvalidSignatureLen
	}
	restore, err := normalizeRecoveryID(sig)
	if err != nil {
		return nil, err
	}
	defer restore()

	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(*pubKey)
	return &address, nil
}

// NewWallet generates a wallet with a random private key.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		Address: &address,
		Key:     key,
	}, nil
}

// Sign signs a message in eth_sign format (V is 27 or 28).
func (w *Wallet) Sign(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.Key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignDigest signs a raw 32-byte digest (V is 0 or 1).
func (w *Wallet) SignDigest(digest common.Hash) ([]byte, error) {
	return crypto.Sign(digest.Bytes(), w.Key)
}
