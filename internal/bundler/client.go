package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"aa-relay/go-backend/internal/jsonrpc"
	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

const defaultPollInterval = 2 * time.Second

var opHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Error wraps a bundler failure. Simulation failures mark the operation itself
// invalid; transport failures may be retried with backoff.
type Error struct {
	Simulation bool
	Err        error
}

func (e *Error) Error() string {
	if e.Simulation {
		return fmt.Sprintf("bundler simulation failure: %v", e.Err)
	}
	return fmt.Sprintf("bundler: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsSimulationError reports whether err marks a simulation failure anywhere in
// its chain.
func IsSimulationError(err error) bool {
	var berr *Error
	return errors.As(err, &berr) && berr.Simulation
}

// Client talks to one ERC-4337 bundler endpoint.
type Client struct {
	rpc          *jsonrpc.Caller
	entryPoint   string
	pollInterval time.Duration
}

func NewClient(endpoint, entryPoint string, headers map[string]string, timeout, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Client{
		rpc:          jsonrpc.NewCaller(endpoint, headers, timeout),
		entryPoint:   entryPoint,
		pollInterval: pollInterval,
	}
}

// SubmitUserOperation sends the operation and returns the bundler's operation
// hash, rejecting results that are not well-formed 32-byte hashes.
func (c *Client) SubmitUserOperation(ctx context.Context, op *userop.UserOperation) (string, error) {
	var hash string
	err := c.rpc.Call(ctx, "eth_sendUserOperation", []any{op, c.entryPoint}, &hash)
	if err != nil {
		return "", wrapRPCError(err)
	}
	if !opHashPattern.MatchString(hash) {
		return "", &Error{Err: fmt.Errorf("eth_sendUserOperation returned malformed hash %q", hash)}
	}
	return hash, nil
}

// PollReceipt polls eth_getUserOperationReceipt until the operation is
// included or the timeout elapses. A timeout returns (nil, nil): not being
// included yet is a caller decision, not an error. The caller's context
// cancels an in-flight poll immediately.
func (c *Client) PollReceipt(ctx context.Context, opHash string, timeout time.Duration) (*models.UserOperationReceipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		var raw json.RawMessage
		err := c.rpc.Call(ctx, "eth_getUserOperationReceipt", []any{opHash}, &raw)
		if err != nil {
			return nil, wrapRPCError(err)
		}
		if len(raw) > 0 && string(raw) != "null" {
			var receipt models.UserOperationReceipt
			if err := json.Unmarshal(raw, &receipt); err != nil {
				return nil, &Error{Err: fmt.Errorf("decode receipt: %w", err)}
			}
			receipt.Raw = raw
			return &receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Balance fetches the current balance of an address; the supervisor uses this
// as its paymaster balance oracle.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var hexBalance string
	if err := c.rpc.Call(ctx, "eth_getBalance", []any{addr.Hex(), "latest"}, &hexBalance); err != nil {
		return nil, wrapRPCError(err)
	}
	balance, err := hexutil.DecodeBig(hexBalance)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("eth_getBalance returned malformed quantity %q", hexBalance)}
	}
	return balance, nil
}

func wrapRPCError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return &Error{Simulation: isSimulationRPCError(rpcErr), Err: rpcErr}
	}
	return &Error{Err: err}
}
