package models

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// Rejection reason codes returned by the sponsorship supervisor. The executor
// side uses AA_POLICY_REJECTED for its own pre-flight gas caps.
const (
	ReasonMissingCost         = "missing_cost"
	ReasonMethodNotAllowed    = "method_not_allowed"
	ReasonGasCapExceeded      = "gas_cap_exceeded"
	ReasonOrgCapExceeded      = "org_cap_exceeded"
	ReasonInsufficientBalance = "insufficient_balance"

	ReasonExecutorPolicy = "AA_POLICY_REJECTED"
)

// OrgPlaceholder stands in for the organization id when a request carries none,
// so the session derivation input layout is stable either way.
const OrgPlaceholder = "no-org"

// ExecutionContext carries the business identity of one logical request through
// session derivation and sponsorship.
type ExecutionContext struct {
	OrgID         string            `json:"org_id,omitempty"`
	IntentType    string            `json:"intent_type"`
	CorrelationID string            `json:"correlation_id"`
	PlanHash      string            `json:"plan_hash,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TransactionRequest is the generic unit of work handed to the executor.
// Gas and fee fields are optional; absent fields fall back to configured defaults.
type TransactionRequest struct {
	To                   string   `json:"to"`
	Data                 string   `json:"data"`
	Value                *big.Int `json:"value,omitempty"`
	GasLimit             uint64   `json:"gas_limit,omitempty"`
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`
}

// UserOperationReceipt is the bundler's inclusion record for a submitted operation.
type UserOperationReceipt struct {
	UserOpHash      string          `json:"userOpHash"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	Success         bool            `json:"success"`
	ActualGasCost   string          `json:"actualGasCost,omitempty"`
	ActualGasUsed   string          `json:"actualGasUsed,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// SponsorshipDecision is a granted sponsorship: the paymaster data to splice
// into the operation. Refusals travel as typed errors carrying the reason code.
type SponsorshipDecision struct {
	Paymaster        string `json:"paymaster,omitempty"`
	PaymasterAndData string `json:"paymasterAndData,omitempty"`
}

// NormalizeExecutionContext trims fields and assigns a generated correlation id
// when the caller did not supply one. Retries of a logical request must pass
// the same correlation id themselves; a generated id identifies a fresh request.
func NormalizeExecutionContext(ectx ExecutionContext) ExecutionContext {
	ectx.OrgID = strings.TrimSpace(ectx.OrgID)
	ectx.IntentType = strings.TrimSpace(ectx.IntentType)
	ectx.CorrelationID = strings.TrimSpace(ectx.CorrelationID)
	ectx.PlanHash = strings.TrimSpace(ectx.PlanHash)
	if ectx.CorrelationID == "" {
		ectx.CorrelationID = NewCorrelationID()
	}
	return ectx
}

// NewCorrelationID returns a short random request id, e.g. "req_3mJr7AoUXx2W".
func NewCorrelationID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems; keep the
		// request traceable anyway.
		return "req_unavailable"
	}
	return "req_" + base58.Encode(buf)
}

// OrgKey returns the budget bucket key for a context.
func (e ExecutionContext) OrgKey() string {
	if e.OrgID == "" {
		return OrgPlaceholder
	}
	return e.OrgID
}
