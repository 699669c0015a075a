package abac

import (
	"errors"
	"fmt"
)

var (
	ErrAttributeLookup     = errors.New("attribute lookup failed")
	ErrPolicyLookup        = errors.New("policy lookup failed")
	ErrPolicyConfiguration = errors.New("policy configuration error")
	ErrConditionEvaluation = errors.New("condition evaluation error")
	ErrTamperDetected      = errors.New("audit event tamper detected")
	ErrQueueFull           = errors.New("audit queue full")
	ErrPipelineClosed      = errors.New("audit pipeline closed")
	ErrCacheUnavailable    = errors.New("decision cache unavailable")

	ErrPolicyNotFound    = errors.New("policy not found")
	ErrPolicyConflict    = errors.New("policy conflict")
	ErrInvalidPolicy     = errors.New("invalid policy data")
	ErrAssignmentInvalid = errors.New("invalid policy assignment")
	ErrDefinitionInvalid = errors.New("invalid attribute definition")
)

// PolicyConfigurationError reports a malformed condition tree. PolicyID is
// zero when the tree is validated before the policy is saved.
type PolicyConfigurationError struct {
	PolicyID int64
	Key      string
	Reason   string
}

func (e *PolicyConfigurationError) Error() string {
	if e.PolicyID != 0 {
		return fmt.Sprintf("policy %d: condition %q: %s", e.PolicyID, e.Key, e.Reason)
	}
	return fmt.Sprintf("condition %q: %s", e.Key, e.Reason)
}

func (e *PolicyConfigurationError) Unwrap() error { return ErrPolicyConfiguration }

// TamperDetectedError is raised when a queued event's stored hash no longer
// matches its contents.
type TamperDetectedError struct {
	EventID  string
	Stored   string
	Computed string
}

func (e *TamperDetectedError) Error() string {
	return fmt.Sprintf("audit event %s: stored hash %s does not match computed %s", e.EventID, e.Stored, e.Computed)
}

func (e *TamperDetectedError) Unwrap() error { return ErrTamperDetected }
