package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is the ERC-4337 wire structure submitted through a bundler.
// Numeric fields are canonically hex encoded. paymasterAndData stays "0x"
// until a sponsorship is attached. Once signed, the struct must be treated as
// immutable: any field change requires rebuilding and re-signing.
type UserOperation struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData"`
	CallGasLimit         string `json:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature"`
}

// Digest is the signing digest: keccak over the canonical (sorted-key) JSON
// encoding of the operation with the signature field left out. Field order in
// the struct therefore never affects the digest.
func (op *UserOperation) Digest() common.Hash {
	fields := map[string]string{
		"sender":               op.Sender,
		"nonce":                op.Nonce,
		"initCode":             op.InitCode,
		"callData":             op.CallData,
		"callGasLimit":         op.CallGasLimit,
		"verificationGasLimit": op.VerificationGasLimit,
		"preVerificationGas":   op.PreVerificationGas,
		"maxFeePerGas":         op.MaxFeePerGas,
		"maxPriorityFeePerGas": op.MaxPriorityFeePerGas,
		"paymasterAndData":     op.PaymasterAndData,
	}
	// encoding/json sorts map keys, which gives the canonical form.
	raw, err := json.Marshal(fields)
	if err != nil {
		// Marshalling a map[string]string cannot fail.
		panic(err)
	}
	return common.BytesToHash(crypto.Keccak256(raw))
}

// TotalGasLimit sums the three gas limit fields; used by sponsorship policy.
func (op *UserOperation) TotalGasLimit() (*big.Int, error) {
	total := new(big.Int)
	for _, field := range []string{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas} {
		v, err := parseHexBig(field)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

// CallSelector returns the 4-byte selector of the call data, or false when the
// call data is shorter than a selector.
func (op *UserOperation) CallSelector() ([4]byte, bool) {
	var sel [4]byte
	data, err := hexutil.Decode(op.CallData)
	if err != nil || len(data) < 4 {
		return sel, false
	}
	copy(sel[:], data[:4])
	return sel, true
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	v, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, fmt.Errorf("malformed hex quantity %q: %w", s, err)
	}
	return v, nil
}

func encodeBig(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return hexutil.EncodeBig(v)
}

func encodeUint(v uint64) string {
	return hexutil.EncodeUint64(v)
}
