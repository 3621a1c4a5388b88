package paymaster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"aa-relay/go-backend/internal/jsonrpc"
	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

// Rejection is a remote paymaster's refusal to sponsor. The caller may retry
// with a different paymaster or proceed unsponsored; the operation itself is
// not invalidated.
type Rejection struct {
	Code    int
	Message string
}

func (e *Rejection) Error() string {
	return fmt.Sprintf("paymaster rejected sponsorship (code %d): %s", e.Code, e.Message)
}

// SponsorResult is the accepted sponsorship: the data blob to splice into the
// operation plus any gas limit overrides the paymaster insists on.
type SponsorResult struct {
	Paymaster        string              `json:"paymaster,omitempty"`
	PaymasterAndData string              `json:"paymasterAndData"`
	Overrides        userop.GasOverrides `json:"-"`
}

// Client requests sponsorship from a paymaster RPC endpoint. A base context
// configured at construction is merged with per-call context; call-site keys
// win.
type Client struct {
	rpc         *jsonrpc.Caller
	baseContext map[string]string
}

func NewClient(endpoint string, headers map[string]string, baseContext map[string]string, timeout time.Duration) *Client {
	return &Client{
		rpc:         jsonrpc.NewCaller(endpoint, headers, timeout),
		baseContext: baseContext,
	}
}

type sponsorParams struct {
	UserOperation  *userop.UserOperation `json:"userOperation"`
	SponsorContext map[string]string     `json:"sponsorContext"`
}

type sponsorResponse struct {
	Paymaster            string `json:"paymaster,omitempty"`
	PaymasterAndData     string `json:"paymasterAndData"`
	CallGasLimit         string `json:"callGasLimit,omitempty"`
	VerificationGasLimit string `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   string `json:"preVerificationGas,omitempty"`
}

// Sponsor posts pm_sponsorUserOperation. RPC-level error payloads surface as
// *Rejection carrying the remote code and message.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation, callContext map[string]string) (*SponsorResult, error) {
	var resp sponsorResponse
	err := c.rpc.Call(ctx, "pm_sponsorUserOperation", []any{sponsorParams{
		UserOperation:  op,
		SponsorContext: c.MergeContext(callContext),
	}}, &resp)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return nil, &Rejection{Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, fmt.Errorf("paymaster sponsor request: %w", err)
	}
	if resp.PaymasterAndData == "" || resp.PaymasterAndData == "0x" {
		return nil, &Rejection{Message: "paymaster returned empty paymasterAndData"}
	}
	return &SponsorResult{
		Paymaster:        resp.Paymaster,
		PaymasterAndData: resp.PaymasterAndData,
		Overrides: userop.GasOverrides{
			CallGasLimit:         resp.CallGasLimit,
			VerificationGasLimit: resp.VerificationGasLimit,
			PreVerificationGas:   resp.PreVerificationGas,
		},
	}, nil
}

// MergeContext merges the base sponsor context with per-call entries.
func (c *Client) MergeContext(callContext map[string]string) map[string]string {
	return mergeContext(c.baseContext, callContext)
}

func mergeContext(base, callContext map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(callContext))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range callContext {
		merged[k] = v
	}
	return merged
}

// SponsorContext builds the per-call sponsor context for an execution context.
// The inner call target rides along because the operation's callData is an
// opaque account-execution blob from the supervisor's point of view.
func SponsorContext(ectx models.ExecutionContext, target string, estimatedCostWei uint64) map[string]string {
	sctx := map[string]string{
		"org_id":             ectx.OrgKey(),
		"intent_type":        ectx.IntentType,
		"correlation_id":     ectx.CorrelationID,
		"target":             target,
		"estimated_cost_wei": strconv.FormatUint(estimatedCostWei, 10),
	}
	if ectx.PlanHash != "" {
		sctx["plan_hash"] = ectx.PlanHash
	}
	return sctx
}
