package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed classification every component error maps to
// before crossing a package boundary. The dispatcher turns kinds into
// user-facing envelopes; nothing above it sees raw driver errors.
type ErrorKind string

const (
	KindBlockedByRule      ErrorKind = "blocked_by_rule"
	KindAgentFailed        ErrorKind = "agent_failed"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindAnomalyDetected    ErrorKind = "anomaly_detected"
	KindTemplateMissing    ErrorKind = "template_missing"
	KindRenderError        ErrorKind = "render_error"
	KindCancelled          ErrorKind = "cancelled"
	KindConfigurationError ErrorKind = "configuration_error"
)

// Error is the taxonomy-carrying error type. Rule and Alternatives are
// populated only for KindBlockedByRule.
type Error struct {
	Kind         ErrorKind
	Rule         string
	Message      string
	Alternatives []string
	Err          error
}

func (e *Error) Error() string {
	switch {
	case e.Rule != "" && e.Err != nil:
		return fmt.Sprintf("%s (rule %s): %s: %v", e.Kind, e.Rule, e.Message, e.Err)
	case e.Rule != "":
		return fmt.Sprintf("%s (rule %s): %s", e.Kind, e.Rule, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// NewError builds a classified error wrapping an optional cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Blocked builds a KindBlockedByRule error carrying the rule id and the
// alternatives the protection layer wants surfaced to the user.
func Blocked(rule, message string, alternatives []string) *Error {
	return &Error{
		Kind:         KindBlockedByRule,
		Rule:         rule,
		Message:      message,
		Alternatives: alternatives,
	}
}

// StorageErr wraps a storage failure, preserving an existing
// classification if the cause already carries one.
func StorageErr(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var te *Error
	if errors.As(cause, &te) {
		return cause
	}
	return &Error{Kind: KindStorageUnavailable, Message: op, Err: cause}
}

// KindOf extracts the taxonomy kind from any error. Unclassified errors
// report KindAgentFailed-adjacent behavior at the dispatcher, so the
// zero value here is the empty string, not a guess.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// AlternativesOf extracts blocked-rule alternatives, if any.
func AlternativesOf(err error) []string {
	var te *Error
	if errors.As(err, &te) {
		return te.Alternatives
	}
	return nil
}

// RuleOf extracts the blocking rule id, if any.
func RuleOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Rule
	}
	return ""
}
