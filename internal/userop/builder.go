package userop

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/pkg/models"
)

// Fee fields must never be zero on the wire; bundlers reject such operations
// outright. The floor applies whenever the request leaves fees unset.
var (
	DefaultMaxFeePerGas         = big.NewInt(1_000_000_000) // 1 gwei
	DefaultMaxPriorityFeePerGas = big.NewInt(1_000_000_000)
)

// Builder assembles user operations from generic transaction requests.
type Builder struct {
	VerificationGasLimit uint64
	PreVerificationGas   uint64
	CallGasBuffer        uint64

	// Optional overrides for the fee floor; nil means the package defaults.
	MaxFeeFloor      *big.Int
	PriorityFeeFloor *big.Int
}

// Build populates an unsigned operation for the request and signs it with the
// session signer. gasEstimate <= 0 falls back to the buffer alone so the call
// gas limit is never zero.
func (b *Builder) Build(ctx context.Context, req models.TransactionRequest, gasEstimate int64, s signer.Signer) (*UserOperation, error) {
	to := strings.TrimSpace(req.To)
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("transaction target %q is not a valid address", to)
	}
	callData := strings.TrimSpace(req.Data)
	if callData == "" {
		callData = "0x"
	}
	if _, err := hexutil.Decode(callData); err != nil {
		return nil, fmt.Errorf("transaction call data is not valid hex: %w", err)
	}

	callGas := b.CallGasBuffer
	if gasEstimate > 0 {
		callGas = uint64(gasEstimate) + b.CallGasBuffer
	}
	if req.GasLimit > 0 {
		callGas = req.GasLimit
	}

	maxFee := req.MaxFeePerGas
	if maxFee == nil || maxFee.Sign() <= 0 {
		maxFee = b.maxFeeFloor()
	}
	priorityFee := req.MaxPriorityFeePerGas
	if priorityFee == nil || priorityFee.Sign() <= 0 {
		priorityFee = b.priorityFeeFloor()
	}

	op := &UserOperation{
		Sender:               s.Address().Hex(),
		Nonce:                "0x0",
		InitCode:             "0x",
		CallData:             callData,
		CallGasLimit:         encodeUint(callGas),
		VerificationGasLimit: encodeUint(b.VerificationGasLimit),
		PreVerificationGas:   encodeUint(b.PreVerificationGas),
		MaxFeePerGas:         encodeBig(maxFee),
		MaxPriorityFeePerGas: encodeBig(priorityFee),
		PaymasterAndData:     "0x",
		Signature:            "0x",
	}
	if err := Sign(ctx, op, s); err != nil {
		return nil, err
	}
	return op, nil
}

// Sign computes the canonical digest and attaches the signature.
func Sign(ctx context.Context, op *UserOperation, s signer.Signer) error {
	digest := op.Digest()
	sig, err := s.Sign(ctx, digest.Bytes())
	if err != nil {
		return fmt.Errorf("sign user operation: %w", err)
	}
	op.Signature = hexutil.Encode(sig)
	return nil
}

// AttachSponsorship splices a sponsorship into the operation and re-signs.
// Paymaster gas overrides change the digest, so signing must happen after the
// merge, never before.
func AttachSponsorship(ctx context.Context, op *UserOperation, sp models.SponsorshipDecision, overrides GasOverrides, s signer.Signer) error {
	if sp.PaymasterAndData == "" || sp.PaymasterAndData == "0x" {
		return fmt.Errorf("sponsorship carries no paymasterAndData")
	}
	op.PaymasterAndData = sp.PaymasterAndData
	if overrides.CallGasLimit != "" {
		op.CallGasLimit = overrides.CallGasLimit
	}
	if overrides.VerificationGasLimit != "" {
		op.VerificationGasLimit = overrides.VerificationGasLimit
	}
	if overrides.PreVerificationGas != "" {
		op.PreVerificationGas = overrides.PreVerificationGas
	}
	return Sign(ctx, op, s)
}

// GasOverrides are paymaster-provided gas limit replacements.
type GasOverrides struct {
	CallGasLimit         string `json:"callGasLimit,omitempty"`
	VerificationGasLimit string `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   string `json:"preVerificationGas,omitempty"`
}

func (b *Builder) maxFeeFloor() *big.Int {
	if b.MaxFeeFloor != nil && b.MaxFeeFloor.Sign() > 0 {
		return b.MaxFeeFloor
	}
	return DefaultMaxFeePerGas
}

func (b *Builder) priorityFeeFloor() *big.Int {
	if b.PriorityFeeFloor != nil && b.PriorityFeeFloor.Sign() > 0 {
		return b.PriorityFeeFloor
	}
	return DefaultMaxPriorityFeePerGas
}
