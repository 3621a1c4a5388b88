package sessionkey

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/pkg/models"
)

const hkdfInfoSession = "aa-relay/session-key/v1"

var ErrEmptySecret = errors.New("session secret is empty")

// Deriver turns a long-lived secret plus request context into an ephemeral
// signing identity. The same (secret, context, target, call data) always
// derives the same key, so retries of a logical request reuse their signer
// without any persisted key storage.
type Deriver struct {
	secret []byte
}

func NewDeriver(secret []byte) (*Deriver, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Deriver{secret: secret}, nil
}

// NewDeriverFromString accepts either a BIP-39 mnemonic or a hex/opaque secret
// string, matching how the secret is handed to the executor via environment.
func NewDeriverFromString(raw string) (*Deriver, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptySecret
	}
	if bip39.IsMnemonicValid(raw) {
		return NewDeriver(bip39.NewSeed(raw, ""))
	}
	return NewDeriver([]byte(raw))
}

// Derive builds the session signer for one request. Every context field that
// distinguishes requests is bound into the derivation salt; a single differing
// byte yields an unrelated key.
func (d *Deriver) Derive(ectx models.ExecutionContext, to common.Address, callData []byte) (*signer.LocalSigner, error) {
	org := ectx.OrgID
	if org == "" {
		org = models.OrgPlaceholder
	}
	salt := crypto.Keccak256(
		lenPrefixed([]byte(ectx.CorrelationID)),
		lenPrefixed([]byte(org)),
		lenPrefixed([]byte(ectx.PlanHash)),
		lenPrefixed([]byte(ectx.IntentType)),
		lenPrefixed(to.Bytes()),
		lenPrefixed(callData),
	)

	// The first expansion is a valid secp256k1 scalar for all practical
	// purposes; the counter loop keeps derivation total anyway.
	for counter := 0; counter < 255; counter++ {
		seed := make([]byte, 32)
		reader := hkdf.New(sha256.New, d.secret, salt, []byte(retryInfo(counter)))
		if _, err := io.ReadFull(reader, seed); err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			continue
		}
		return signer.NewLocal(key), nil
	}
	return nil, errors.New("session key derivation exhausted retries")
}

// retryInfo names each expansion round distinctly so no two rounds can share
// an HKDF info string.
func retryInfo(counter int) string {
	if counter == 0 {
		return hkdfInfoSession
	}
	return hkdfInfoSession + "/" + strconv.Itoa(counter)
}

// lenPrefixed guards against ambiguous concatenation: ("ab","c") and ("a","bc")
// must not hash identically.
func lenPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}
