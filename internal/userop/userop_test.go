package userop

import (
	"context"
	"math/big"
	"testing"

	"aa-relay/go-backend/internal/signer"
	"aa-relay/go-backend/pkg/models"
)

const testKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return s
}

func testBuilder() *Builder {
	return &Builder{
		VerificationGasLimit: 150_000,
		PreVerificationGas:   21_000,
		CallGasBuffer:        20_000,
	}
}

func TestBuildSetsGasAndFeeDefaults(t *testing.T) {
	s := testSigner(t)
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To:   "0x00000000000000000000000000000000000000aa",
		Data: "0x12345678",
	}, 80_000, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if op.CallGasLimit != "0x186a0" { // 80000 + 20000
		t.Fatalf("expected callGasLimit 0x186a0, got %s", op.CallGasLimit)
	}
	if op.MaxFeePerGas == "0x0" || op.MaxPriorityFeePerGas == "0x0" {
		t.Fatal("fee fields must never be zero")
	}
	if op.PaymasterAndData != "0x" {
		t.Fatalf("expected empty paymasterAndData, got %s", op.PaymasterAndData)
	}
	if op.Sender != s.Address().Hex() {
		t.Fatalf("sender %s does not match signer %s", op.Sender, s.Address().Hex())
	}
	if op.Signature == "0x" {
		t.Fatal("operation must be signed")
	}
}

func TestBuildZeroEstimateFallsBackToBuffer(t *testing.T) {
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To: "0x00000000000000000000000000000000000000aa",
	}, 0, testSigner(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if op.CallGasLimit != "0x4e20" { // buffer alone
		t.Fatalf("expected callGasLimit 0x4e20, got %s", op.CallGasLimit)
	}
}

func TestBuildNegativeEstimateFallsBackToBuffer(t *testing.T) {
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To: "0x00000000000000000000000000000000000000aa",
	}, -1, testSigner(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if op.CallGasLimit != "0x4e20" {
		t.Fatalf("expected callGasLimit 0x4e20, got %s", op.CallGasLimit)
	}
}

func TestBuildHonorsExplicitRequestFields(t *testing.T) {
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To:                   "0x00000000000000000000000000000000000000aa",
		GasLimit:             123_456,
		MaxFeePerGas:         big.NewInt(5),
		MaxPriorityFeePerGas: big.NewInt(2),
	}, 80_000, testSigner(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if op.CallGasLimit != "0x1e240" {
		t.Fatalf("expected explicit gas limit, got %s", op.CallGasLimit)
	}
	if op.MaxFeePerGas != "0x5" || op.MaxPriorityFeePerGas != "0x2" {
		t.Fatalf("expected explicit fees, got %s / %s", op.MaxFeePerGas, op.MaxPriorityFeePerGas)
	}
}

func TestBuildRejectsBadTarget(t *testing.T) {
	if _, err := testBuilder().Build(context.Background(), models.TransactionRequest{To: "not-an-address"}, 0, testSigner(t)); err == nil {
		t.Fatal("expected error for invalid target")
	}
}

func TestDigestIgnoresSignatureAndIsStable(t *testing.T) {
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To:   "0x00000000000000000000000000000000000000aa",
		Data: "0x12345678",
	}, 50_000, testSigner(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	before := op.Digest()
	op.Signature = "0xdeadbeef"
	if op.Digest() != before {
		t.Fatal("digest must not depend on the signature field")
	}
	op.CallGasLimit = "0x1"
	if op.Digest() == before {
		t.Fatal("digest must change when a signed field changes")
	}
}

func TestAttachSponsorshipReSigns(t *testing.T) {
	s := testSigner(t)
	op, err := testBuilder().Build(context.Background(), models.TransactionRequest{
		To:   "0x00000000000000000000000000000000000000aa",
		Data: "0x12345678",
	}, 50_000, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	oldSig := op.Signature
	err = AttachSponsorship(context.Background(), op, models.SponsorshipDecision{
		Paymaster:        "0x00000000000000000000000000000000000000ff",
		PaymasterAndData: "0x00000000000000000000000000000000000000ff01",
	}, GasOverrides{VerificationGasLimit: "0x30d40"}, s)
	if err != nil {
		t.Fatalf("attach sponsorship: %v", err)
	}
	if op.PaymasterAndData == "0x" {
		t.Fatal("paymasterAndData must be attached")
	}
	if op.VerificationGasLimit != "0x30d40" {
		t.Fatalf("expected gas override applied, got %s", op.VerificationGasLimit)
	}
	if op.Signature == oldSig {
		t.Fatal("operation must be re-signed after the sponsorship merge")
	}
}

func TestTotalGasLimit(t *testing.T) {
	op := &UserOperation{
		CallGasLimit:         "0x10",
		VerificationGasLimit: "0x20",
		PreVerificationGas:   "0x30",
	}
	total, err := op.TotalGasLimit()
	if err != nil {
		t.Fatalf("total gas: %v", err)
	}
	if total.Int64() != 0x60 {
		t.Fatalf("expected 0x60, got %s", total.String())
	}
}

func TestCallSelector(t *testing.T) {
	op := &UserOperation{CallData: "0x12345678abcdef"}
	sel, ok := op.CallSelector()
	if !ok {
		t.Fatal("expected selector")
	}
	if sel != [4]byte{0x12, 0x34, 0x56, 0x78} {
		t.Fatalf("unexpected selector %x", sel)
	}
	if _, ok := (&UserOperation{CallData: "0x1234"}).CallSelector(); ok {
		t.Fatal("short call data must not yield a selector")
	}
}
