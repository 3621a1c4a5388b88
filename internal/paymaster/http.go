package paymaster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"aa-relay/go-backend/internal/userop"
)

// Sponsorer is implemented by both the RPC client and the HTTP client so the
// caller does not care which wire the paymaster speaks.
type Sponsorer interface {
	Sponsor(ctx context.Context, op *userop.UserOperation, callContext map[string]string) (*SponsorResult, error)
}

// HTTPClient requests sponsorship over the supervisor's plain HTTP contract:
// POST /v1/sponsor with {userOperation, sponsorContext}, 200 on grant, 422 with
// {"detail": reason} on refusal.
type HTTPClient struct {
	endpoint    string
	authToken   string
	baseContext map[string]string
	httpClient  *http.Client
}

func NewHTTPClient(endpoint, authToken string, baseContext map[string]string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint:    endpoint,
		authToken:   authToken,
		baseContext: baseContext,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Sponsor(ctx context.Context, op *userop.UserOperation, callContext map[string]string) (*SponsorResult, error) {
	merged := mergeContext(c.baseContext, callContext)
	body, err := json.Marshal(sponsorParams{UserOperation: op, SponsorContext: merged})
	if err != nil {
		return nil, fmt.Errorf("encode sponsor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paymaster sponsor request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sponsor response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusTooManyRequests:
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(raw, &detail)
		if detail.Detail == "" {
			detail.Detail = "sponsorship refused"
		}
		return nil, &Rejection{Code: resp.StatusCode, Message: detail.Detail}
	default:
		return nil, fmt.Errorf("paymaster sponsor request: unexpected status %d", resp.StatusCode)
	}

	var granted sponsorResponse
	if err := json.Unmarshal(raw, &granted); err != nil {
		return nil, fmt.Errorf("decode sponsor response: %w", err)
	}
	if granted.PaymasterAndData == "" || granted.PaymasterAndData == "0x" {
		return nil, &Rejection{Message: "paymaster returned empty paymasterAndData"}
	}
	return &SponsorResult{
		Paymaster:        granted.Paymaster,
		PaymasterAndData: granted.PaymasterAndData,
		Overrides: userop.GasOverrides{
			CallGasLimit:         granted.CallGasLimit,
			VerificationGasLimit: granted.VerificationGasLimit,
			PreVerificationGas:   granted.PreVerificationGas,
		},
	}, nil
}
