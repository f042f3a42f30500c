package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. Reason codes ride on RuleViolation
// so batch results can report machine-readable outcomes.
var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEntry      = errors.New("duplicate ledger entry")
)

// ValidationError marks bad caller input, rejected before any engine runs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RuleViolation marks a business rule rejection with a stable reason code and
// no partial effect.
type RuleViolation struct {
	Code   string
	Detail string
}

func (e *RuleViolation) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Rule violation reason codes.
const (
	CodeInsufficientBalance = "InsufficientBalance"
	CodeKYCNotVerified      = "KYCNotVerified"
	CodeRequestNotPending   = "RequestNotPending"
	CodeSlotOccupied        = "SlotOccupied"
	CodeMemberNotActive     = "MemberNotActive"
	CodeLimitExceeded       = "LimitExceeded"
	CodeReasonRequired      = "ReasonRequired"
)

// Violation builds a RuleViolation with a reason code.
func Violation(code, format string, args ...any) error {
	return &RuleViolation{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ViolationCode extracts the reason code from err, or "" when err is not a
// RuleViolation.
func ViolationCode(err error) string {
	var rv *RuleViolation
	if errors.As(err, &rv) {
		return rv.Code
	}
	return ""
}
