package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const defaultRemoteTimeout = 10 * time.Second

// RemoteSigner asks a KMS-style signing service to sign digests. The service
// never releases the private key; it returns raw signature bytes.
type RemoteSigner struct {
	url    string
	token  string
	addr   common.Address
	client *http.Client
}

// RemoteError carries the signing service's own error payload.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote signer: status=%d message=%s", e.Status, e.Message)
}

func NewRemote(url, token string, addr common.Address, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteSigner{
		url:    url,
		token:  token,
		addr:   addr,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *RemoteSigner) Address() common.Address {
	return s.addr
}

type remoteSignRequest struct {
	Digest string `json:"digest"`
}

type remoteSignResponse struct {
	Signature string `json:"signature"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *RemoteSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	body, err := json.Marshal(remoteSignRequest{Digest: hexutil.Encode(digest)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote signer request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("remote signer response: %w", err)
	}

	var parsed remoteSignResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &RemoteError{Status: resp.StatusCode, Message: string(raw)}
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		return nil, &RemoteError{Status: resp.StatusCode, Message: parsed.Error}
	}
	sig, err := hexutil.Decode(parsed.Signature)
	if err != nil {
		return nil, fmt.Errorf("remote signer returned malformed signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("remote signer returned %d-byte signature, want 65", len(sig))
	}
	return sig, nil
}
