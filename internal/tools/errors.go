// This file defines sentinel error types for tool execution.
package tools

import "fmt"

// ValidationError marks a model-supplied argument a handler refused.
// It reaches the model as a structured error result so the model can
// correct the call, rather than terminating the conversation.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// UnavailableError marks a capability whose backing service is not
// configured or not reachable. Distinct from an execution failure so
// callers can degrade the feature instead of retrying.
type UnavailableError struct {
	Capability string
	Reason     string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s is unavailable: %s", e.Capability, e.Reason)
}
