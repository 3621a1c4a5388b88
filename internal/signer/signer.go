package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Signer signs 32-byte digests on behalf of one address. Both the executor and
// the sponsorship supervisor depend only on this capability; whether the key
// lives in-process or behind a signing service is a deployment decision.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}
