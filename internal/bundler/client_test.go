package bundler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"aa-relay/go-backend/internal/jsonrpc"
	"aa-relay/go-backend/internal/userop"
)

const testOpHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     uint64            `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSubmitUserOperationReturnsHash(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError) {
		if method != "eth_sendUserOperation" {
			t.Errorf("unexpected method %s", method)
		}
		if len(params) != 2 {
			t.Errorf("expected [op, entryPoint] params, got %d", len(params))
		}
		var entryPoint string
		_ = json.Unmarshal(params[1], &entryPoint)
		if entryPoint != "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789" {
			t.Errorf("unexpected entry point %s", entryPoint)
		}
		return testOpHash, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789", nil, 0, 0)
	hash, err := c.SubmitUserOperation(context.Background(), &userop.UserOperation{Sender: "0xaa"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash != testOpHash {
		t.Fatalf("unexpected hash %s", hash)
	}
}

func TestSubmitRejectsMalformedHash(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError) {
		return "0x1234", nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xentry", nil, 0, 0)
	if _, err := c.SubmitUserOperation(context.Background(), &userop.UserOperation{}); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestSubmitClassifiesSimulationErrors(t *testing.T) {
	cases := []struct {
		name       string
		rpcErr     *jsonrpc.RPCError
		simulation bool
	}{
		{"code range", &jsonrpc.RPCError{Code: -32500, Message: "rejected"}, true},
		{"aa marker", &jsonrpc.RPCError{Code: -32000, Message: "AA23 reverted during validation"}, true},
		{"transport-ish", &jsonrpc.RPCError{Code: -32000, Message: "nonce too low"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := rpcServer(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError) {
				return nil, tc.rpcErr
			})
			defer srv.Close()

			c := NewClient(srv.URL, "0xentry", nil, 0, 0)
			_, err := c.SubmitUserOperation(context.Background(), &userop.UserOperation{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsSimulationError(err); got != tc.simulation {
				t.Fatalf("IsSimulationError=%v, want %v (err=%v)", got, tc.simulation, err)
			}
		})
	}
}

func TestPollReceiptWaitsForInclusion(t *testing.T) {
	var calls atomic.Int64
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError) {
		if method != "eth_getUserOperationReceipt" {
			t.Errorf("unexpected method %s", method)
		}
		if calls.Add(1) < 3 {
			return nil, nil
		}
		return map[string]any{"userOpHash": testOpHash, "success": true, "transactionHash": "0xabc"}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xentry", nil, 0, 5*time.Millisecond)
	receipt, err := c.PollReceipt(context.Background(), testOpHash, time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if receipt == nil || !receipt.Success || receipt.TransactionHash != "0xabc" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls.Load())
	}
}

func TestPollReceiptTimeoutReturnsNil(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError) {
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xentry", nil, 0, 5*time.Millisecond)
	receipt, err := c.PollReceipt(context.Background(), testOpHash, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected nil receipt on timeout, got %+v", receipt)
	}
}

func TestPollReceiptHonorsContextCancel(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *jsonrpc.RPCError) {
		return nil, nil
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	c := NewClient(srv.URL, "0xentry", nil, 0, 50*time.Millisecond)
	if _, err := c.PollReceipt(ctx, testOpHash, time.Minute); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBalance(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *jsonrpc.RPCError) {
		if method != "eth_getBalance" {
			t.Errorf("unexpected method %s", method)
		}
		return "0x64", nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "0xentry", nil, 0, 0)
	balance, err := c.Balance(context.Background(), common.HexToAddress("0xaa"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("expected 100, got %s", balance)
	}
}
