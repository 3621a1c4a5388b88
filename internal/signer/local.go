package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"aa-relay/go-backend/internal/keystore"
)

// LocalSigner holds a secp256k1 key in process memory.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocal(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewLocalFromHex parses a 0x-prefixed or bare hex private key.
func NewLocalFromHex(hexKey string) (*LocalSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewLocal(key), nil
}

// LoadLocal loads a signing key, preferring a sealed key file over a plaintext
// hex key from the environment. keyEnv names the env var holding the hex key.
func LoadLocal(keyFilePath, passphrase, keyEnv string) (*LocalSigner, error) {
	if keystore.IsConfigured(keyFilePath, passphrase) {
		raw, err := keystore.ReadKeyFile(keyFilePath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", keyFilePath, err)
		}
		return NewLocalFromHex(strings.TrimSpace(string(raw)))
	}
	if hexKey := strings.TrimSpace(os.Getenv(keyEnv)); hexKey != "" {
		return NewLocalFromHex(hexKey)
	}
	return nil, errors.New("no signing key configured: set a key file or " + keyEnv)
}

func (s *LocalSigner) Address() common.Address {
	return s.addr
}

// Sign produces a 65-byte [R || S || V] signature over the digest. The
// recovery id is shifted to 27/28, the form entry point contracts expect.
func (s *LocalSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
