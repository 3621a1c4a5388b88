package bundler

import (
	"strings"

	"aa-relay/go-backend/internal/jsonrpc"
)

// ERC-4337 simulation/validation failures land in this reserved code range.
const (
	simulationCodeMin = -32507
	simulationCodeMax = -32500
)

var simulationMarkers = []string{"aa1", "aa2", "aa3", "simulation", "validation", "revert"}

// isSimulationRPCError reports whether the RPC error describes an operation
// the bundler's simulation rejected. Such operations are invalid as built;
// resubmitting the identical operation cannot succeed.
func isSimulationRPCError(e *jsonrpc.RPCError) bool {
	if e.Code >= simulationCodeMin && e.Code <= simulationCodeMax {
		return true
	}
	msg := strings.ToLower(e.Message)
	for _, marker := range simulationMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
