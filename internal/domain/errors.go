package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies the failure classes the engine reports. Every code
// aborts the whole batch; nothing is committed and nothing is retried by the
// engine itself.
type ErrorCode string

const (
	// ErrCodeConfiguration covers malformed classifier config and records or
	// events that do not match it. Fatal before any batch runs.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeOrderingViolation marks a batch older than the store's
	// last-committed observation time, or an ambiguous same-instant event
	// pair within a feed.
	ErrCodeOrderingViolation ErrorCode = "ORDERING_VIOLATION"

	// ErrCodeIdempotencyConflict marks a (business_key, valid_from) pair that
	// already exists with different attribute values.
	ErrCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"

	// ErrCodeInvariantViolation marks store state that contradicts the
	// version-chain invariants. Every batch is checked before commit.
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
)

// EngineError is the structured failure result surfaced to callers: the
// error kind, the offending business key when one is known, and the specific
// conflict details.
type EngineError struct {
	Code        ErrorCode         `json:"code"`
	Message     string            `json:"message"`
	BusinessKey string            `json:"business_key,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var builder strings.Builder
	builder.WriteString(string(e.Code))
	builder.WriteString(": ")
	builder.WriteString(e.Message)
	if e.BusinessKey != "" {
		builder.WriteString(fmt.Sprintf(" (business_key=%s)", e.BusinessKey))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for key := range e.Details {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, e.Details[key]))
		}
		builder.WriteString(" [")
		builder.WriteString(strings.Join(parts, ", "))
		builder.WriteString("]")
	}
	return builder.String()
}

// NewConfigurationError builds a CONFIGURATION error.
func NewConfigurationError(format string, args ...any) *EngineError {
	return &EngineError{
		Code:    ErrCodeConfiguration,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewOrderingViolation builds an ORDERING_VIOLATION for a batch that lies
// behind the store's committed watermark.
func NewOrderingViolation(batchMax, watermark time.Time) *EngineError {
	return &EngineError{
		Code:    ErrCodeOrderingViolation,
		Message: "batch observation window precedes the committed watermark",
		Details: map[string]string{
			"batch_max_observed_at": batchMax.UTC().Format(time.RFC3339Nano),
			"store_watermark":       watermark.UTC().Format(time.RFC3339Nano),
		},
	}
}

// NewEventOrderingViolation builds an ORDERING_VIOLATION for two differing
// events that share one business key and one instant.
func NewEventOrderingViolation(businessKey string, at time.Time) *EngineError {
	return &EngineError{
		Code:        ErrCodeOrderingViolation,
		Message:     "ambiguous events at the same instant",
		BusinessKey: businessKey,
		Details: map[string]string{
			"at": at.UTC().Format(time.RFC3339Nano),
		},
	}
}

// NewIdempotencyConflict builds an IDEMPOTENCY_CONFLICT carrying the full
// attribute diff between the stored row and the incoming operation.
func NewIdempotencyConflict(businessKey string, validFrom time.Time, diff string) *EngineError {
	return &EngineError{
		Code:        ErrCodeIdempotencyConflict,
		Message:     "version with same (business_key, valid_from) holds different attribute values",
		BusinessKey: businessKey,
		Details: map[string]string{
			"valid_from": validFrom.UTC().Format(time.RFC3339Nano),
			"diff":       diff,
		},
	}
}

// NewInvariantViolation builds an INVARIANT_VIOLATION diagnostic.
func NewInvariantViolation(businessKey, format string, args ...any) *EngineError {
	return &EngineError{
		Code:        ErrCodeInvariantViolation,
		Message:     fmt.Sprintf(format, args...),
		BusinessKey: businessKey,
	}
}

// AsEngineError unwraps err to an EngineError if one is in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// CodeOf returns the engine error code in err's chain, or "" for plain errors.
func CodeOf(err error) ErrorCode {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Code
	}
	return ""
}

// IsConfigurationError reports whether err is a CONFIGURATION failure.
func IsConfigurationError(err error) bool {
	return CodeOf(err) == ErrCodeConfiguration
}

// IsOrderingViolation reports whether err is an ORDERING_VIOLATION failure.
func IsOrderingViolation(err error) bool {
	return CodeOf(err) == ErrCodeOrderingViolation
}

// IsIdempotencyConflict reports whether err is an IDEMPOTENCY_CONFLICT failure.
func IsIdempotencyConflict(err error) bool {
	return CodeOf(err) == ErrCodeIdempotencyConflict
}

// IsInvariantViolation reports whether err is an INVARIANT_VIOLATION failure.
func IsInvariantViolation(err error) bool {
	return CodeOf(err) == ErrCodeInvariantViolation
}
