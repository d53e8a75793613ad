// Package errors provides the error taxonomy for broadcast join operators.
// Every failure raised while building small-side tables is a JoinError carrying
// a Kind, so callers can tell a memory ceiling breach apart from decode or
// source failures without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies initialization-time failures of the join operator.
type Kind int

const (
	// KindConfiguration covers missing or invalid leg descriptors and codecs.
	KindConfiguration Kind = iota + 1
	// KindDecode covers malformed key/value bytes during a table build.
	KindDecode
	// KindMemoryBudgetExceeded is raised when table growth passes the ceiling.
	KindMemoryBudgetExceeded
	// KindSourceUnavailable is raised when a small input cannot be opened.
	KindSourceUnavailable
)

// Fatal codes reported through the diagnostics channel.
const (
	FatalCodeNone                 = 0
	FatalCodeMemoryBudgetExceeded = 1
)

// NoLeg marks errors that are not tied to a specific join leg.
const NoLeg = -1

var fatalMessages = [...]string{
	FatalCodeNone: "",
	FatalCodeMemoryBudgetExceeded: "broadcast join exceeds available memory. " +
		"Please try disabling the broadcast join strategy.",
}

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindDecode:
		return "DecodeError"
	case KindMemoryBudgetExceeded:
		return "MemoryBudgetExceeded"
	case KindSourceUnavailable:
		return "SourceUnavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// JoinError represents a fatal failure of a join operator
type JoinError struct {
	Op      string // Operation name (e.g., "Load", "Build", "Decode")
	Leg     int    // Leg position, NoLeg if not applicable
	Kind    Kind   // Failure class
	Message string // Human-readable error description
	Cause   error  // Underlying error cause
}

// Error implements the error interface
func (e *JoinError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Leg != NoLeg {
		return fmt.Sprintf("%s failed on leg %d (%s): %s", e.Op, e.Leg, e.Kind, msg)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying cause for error wrapping support
func (e *JoinError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a JoinError of the same kind. A target with an
// empty Op matches any operation, which lets the Err* sentinels below be used
// with errors.Is.
func (e *JoinError) Is(target error) bool {
	t, ok := target.(*JoinError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || (t.Op == e.Op && t.Leg == e.Leg && t.Message == e.Message)
}

// FatalCode returns the diagnostics code of the error.
func (e *JoinError) FatalCode() int {
	if e.Kind == KindMemoryBudgetExceeded {
		return FatalCodeMemoryBudgetExceeded
	}
	return FatalCodeNone
}

// Sentinels for errors.Is checks by kind.
var (
	ErrConfiguration        = &JoinError{Kind: KindConfiguration, Leg: NoLeg}
	ErrDecode               = &JoinError{Kind: KindDecode, Leg: NoLeg}
	ErrMemoryBudgetExceeded = &JoinError{Kind: KindMemoryBudgetExceeded, Leg: NoLeg}
	ErrSourceUnavailable    = &JoinError{Kind: KindSourceUnavailable, Leg: NoLeg}
)

// NewConfigurationError creates an error for an invalid operator or leg setup
func NewConfigurationError(op string, leg int, message string) *JoinError {
	return &JoinError{
		Op:      op,
		Leg:     leg,
		Kind:    KindConfiguration,
		Message: message,
	}
}

// NewDecodeError creates an error for malformed small-side records
func NewDecodeError(op string, leg int, cause error) *JoinError {
	return &JoinError{
		Op:      op,
		Leg:     leg,
		Kind:    KindDecode,
		Message: "malformed key/value record",
		Cause:   cause,
	}
}

// NewMemoryBudgetExceededError creates an error for a breached table ceiling
func NewMemoryBudgetExceededError(op string, leg int, used, limit int64) *JoinError {
	return &JoinError{
		Op:      op,
		Leg:     leg,
		Kind:    KindMemoryBudgetExceeded,
		Message: fmt.Sprintf("hash tables need %d bytes, budget is %d bytes", used, limit),
	}
}

// NewSourceUnavailableError creates an error for a small input that cannot be opened
func NewSourceUnavailableError(op string, leg int, input string, cause error) *JoinError {
	return &JoinError{
		Op:      op,
		Leg:     leg,
		Kind:    KindSourceUnavailable,
		Message: fmt.Sprintf("cannot open input %q", input),
		Cause:   cause,
	}
}

// KindOf returns the kind of the first JoinError in err's chain, or 0.
func KindOf(err error) Kind {
	var je *JoinError
	if stderrors.As(err, &je) {
		return je.Kind
	}
	return 0
}

// FatalCode returns the diagnostics code for err; FatalCodeNone for nil and for
// errors that carry no distinguished code.
func FatalCode(err error) int {
	var je *JoinError
	if stderrors.As(err, &je) {
		return je.FatalCode()
	}
	return FatalCodeNone
}

// FatalMessage returns the operator-facing text for a fatal code.
func FatalMessage(code int) string {
	if code < 0 || code >= len(fatalMessages) {
		return ""
	}
	return fatalMessages[code]
}

// IsMemoryBudgetExceeded reports whether err is a memory ceiling breach.
func IsMemoryBudgetExceeded(err error) bool {
	return KindOf(err) == KindMemoryBudgetExceeded
}
