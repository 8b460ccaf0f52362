package protocol

import (
	"errors"
	"fmt"
)

// Revert reasons shared by the simulated contracts. Live contracts may use
// different strings; callers should match on IsRevert unless they know the
// backend.
const (
	ReasonNotAuthorized = "!authorized"
	ReasonNotVault      = "!vault"
	ReasonHealthCheck   = "!healthcheck"
	ReasonWant          = "!want"
	ReasonShares        = "!shares"
	ReasonProtected     = "!protected"
	ReasonBalance       = "insufficient balance"
	ReasonAllowance     = "insufficient allowance"
)

// RevertError reports a transaction that reverted.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

// Revert builds a RevertError with a formatted reason.
func Revert(format string, args ...any) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// IsRevert reports whether err is, or wraps, a RevertError.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// RevertReason returns the reason of a wrapped RevertError, or "".
func RevertReason(err error) string {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
