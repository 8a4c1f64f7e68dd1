// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. Kinds are stable identifiers
// surfaced to the dashboard so it can decide whether to offer a retry.
type ErrorKind string

const (
	ErrKindStoreUnavailable    ErrorKind = "store_unavailable"
	ErrKindDigestMismatch      ErrorKind = "digest_mismatch"
	ErrKindSimulationFailed    ErrorKind = "simulation_failed"
	ErrKindInsufficientFunds   ErrorKind = "insufficient_funds"
	ErrKindUserRejected        ErrorKind = "user_rejected"
	ErrKindTransientSubmission ErrorKind = "transient_submission_failure"
	ErrKindReverted            ErrorKind = "reverted"
	ErrKindIdentifierNotFound  ErrorKind = "identifier_not_found"
	ErrKindContentUnreachable  ErrorKind = "content_unreachable"
)

// PipelineError wraps a lower-layer failure with the step that produced it
// and its terminal/retryable classification. Lower layers never retry;
// the classification tells the owning layer whether it may.
type PipelineError struct {
	Kind      ErrorKind
	Step      string
	Retryable bool
	Detail    string
	Err       error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind sentinels built with KindSentinel.
func (e *PipelineError) Is(target error) bool {
	var pe *PipelineError
	if errors.As(target, &pe) {
		return pe.Kind == e.Kind
	}
	return false
}

func NewPipelineError(kind ErrorKind, step string, retryable bool, err error) *PipelineError {
	return &PipelineError{Kind: kind, Step: step, Retryable: retryable, Err: err}
}

func StoreUnavailable(step string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindStoreUnavailable, Step: step, Retryable: true, Err: err}
}

// DigestMismatch reports both digests so the corruption can be diagnosed.
func DigestMismatch(step, expected, actual string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindDigestMismatch,
		Step:      step,
		Retryable: false,
		Detail:    fmt.Sprintf("expected %s, fetched content hashes to %s", expected, actual),
	}
}

func ContentUnreachable(step string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindContentUnreachable, Step: step, Retryable: true, Err: err}
}

// SimulationFailed is terminal unless the decoded reason is itself a
// propagation-delay condition, which the caller marks retryable.
func SimulationFailed(step, decodedReason string, retryable bool, err error) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindSimulationFailed,
		Step:      step,
		Retryable: retryable,
		Detail:    decodedReason,
		Err:       err,
	}
}

func InsufficientFunds(step string) *PipelineError {
	return &PipelineError{Kind: ErrKindInsufficientFunds, Step: step, Retryable: false}
}

func UserRejected(step string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindUserRejected, Step: step, Retryable: false, Err: err}
}

func TransientSubmission(step string, err error) *PipelineError {
	return &PipelineError{Kind: ErrKindTransientSubmission, Step: step, Retryable: true, Err: err}
}

func Reverted(step, decodedReason string) *PipelineError {
	return &PipelineError{Kind: ErrKindReverted, Step: step, Retryable: false, Detail: decodedReason}
}

// IdentifierNotFound keeps the transaction hash in Detail: the on-chain
// effect already happened, so the caller is told where to look it up.
func IdentifierNotFound(step, txHash string) *PipelineError {
	return &PipelineError{
		Kind:      ErrKindIdentifierNotFound,
		Step:      step,
		Retryable: false,
		Detail:    "transaction " + txHash + " confirmed; resolve the asset identifier manually",
	}
}

// IsRetryable reports the classification of err if it carries one.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
