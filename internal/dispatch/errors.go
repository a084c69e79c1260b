package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors shared across components.
var (
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict signals a lost optimistic-concurrency race; the
	// caller must re-read the job and decide again.
	ErrVersionConflict = errors.New("version conflict")
	// ErrJobTerminal rejects transitions out of a terminal status.
	ErrJobTerminal = errors.New("job is terminal")
)

// PolicyViolationError is returned by Enqueue when a target URL is denied by
// the domain policy engine. It is never retried.
type PolicyViolationError struct {
	URL    string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation for %s: %s", e.URL, e.Reason)
}

// FailureClass partitions agent-call failures for retry decisions.
type FailureClass string

// Failure classes. Only Transient failures are retried by the gateway;
// Timeout surfaces unretried to avoid duplicating expensive work.
const (
	FailureTransient FailureClass = "transient"
	FailureTimeout   FailureClass = "timeout"
	FailurePermanent FailureClass = "permanent"
)

// AgentCallError wraps a failed agent call with its classification so the
// scheduler can decide job-level retry eligibility.
type AgentCallError struct {
	Class FailureClass
	Err   error
}

func (e *AgentCallError) Error() string {
	return fmt.Sprintf("agent call failed (%s): %v", e.Class, e.Err)
}

func (e *AgentCallError) Unwrap() error { return e.Err }

// NewAgentCallError builds a classified agent-call failure.
func NewAgentCallError(class FailureClass, err error) *AgentCallError {
	return &AgentCallError{Class: class, Err: err}
}

// ClassOf extracts the failure class from an error chain, defaulting to
// permanent for anything unclassified.
func ClassOf(err error) FailureClass {
	var callErr *AgentCallError
	if errors.As(err, &callErr) {
		return callErr.Class
	}
	return FailurePermanent
}

// Retryable reports whether the failure leaves the job eligible for a
// job-level requeue.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case FailureTransient, FailureTimeout:
		return true
	default:
		return false
	}
}

// ClassifyNetError classifies a raw transport error. Deadline expiry maps to
// the timeout class; connection-level errors (refused, DNS, socket resets)
// are transient; everything else is permanent.
func ClassifyNetError(err error) FailureClass {
	if err == nil {
		return FailurePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureTransient
	}
	return FailurePermanent
}
