package deployment

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// SandboxPrefix is prepended to every compute unit the runner creates.
const SandboxPrefix = "fleet"

// Label keys attached to compute units.
const (
	LabelManagedBy   = "managed-by"
	LabelRequestID   = "fleetrunner.request-id"
	LabelTargetIndex = "fleetrunner.target-index"
	LabelSandbox     = "fleetrunner.sandbox"
	ManagedByValue   = "fleetrunner"
)

// SandboxName generates a sandbox name for one target of a request.
// Pattern: fleet-{first 8 of requestID}-{index}-{suffix}
//
// Example:
//
//	SandboxName("550e8400-e29b-41d4", 1, "a1b2c3") // returns "fleet-550e8400-1-a1b2c3"
func SandboxName(requestID string, index int, suffix string) string {
	short := strings.ReplaceAll(requestID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-%s-%d", SandboxPrefix, strings.ToLower(short), index)
	if suffix != "" {
		name += "-" + strings.ToLower(suffix)
	}
	return name
}

// Labels returns the labels attached to a sandbox.
func Labels(requestID string, index int, sandbox string) map[string]string {
	return map[string]string{
		LabelManagedBy:   ManagedByValue,
		LabelRequestID:   requestID,
		LabelTargetIndex: strconv.Itoa(index),
		LabelSandbox:     sandbox,
	}
}
