// Package errs holds the stable error kinds surfaced by ledger and clearing
// operations so callers can tell "already settled" from "insufficient funds"
// from "window not yet elapsed".
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindState:
		return "StateError"
	default:
		return "Unknown"
	}
}

// Error is a sentinel with a stable code. Compare with errors.Is.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrZeroAmount       = newError(KindValidation, "ZeroAmount", "amount must be positive")
	ErrInvalidReference = newError(KindValidation, "InvalidReference", "reference id is malformed")
	ErrInvalidAccount   = newError(KindValidation, "InvalidAccount", "account id is malformed")
	ErrSelfTransfer     = newError(KindValidation, "SelfTransfer", "from and to must differ")
	ErrUnknownCommand   = newError(KindValidation, "UnknownCommand", "unsupported command")
	ErrInvalidAmount    = newError(KindValidation, "InvalidAmount", "amount is malformed or exceeds the amount scale")
	ErrInvalidPayload   = newError(KindValidation, "InvalidPayload", "payload is malformed")
	ErrAmountOverflow   = newError(KindValidation, "AmountOverflow", "amount would overflow a balance")

	ErrUnauthorized = newError(KindAuthorization, "Unauthorized", "caller lacks required role")

	ErrInsufficientBalance    = newError(KindState, "InsufficientBalance", "insufficient balance")
	ErrDuplicateOperation     = newError(KindState, "DuplicateOperation", "reference id already applied")
	ErrCapExceeded            = newError(KindState, "CapExceeded", "daily withdrawal cap exceeded")
	ErrWindowNotElapsed       = newError(KindState, "WindowNotElapsed", "netting window not elapsed")
	ErrPartyNotRegistered     = newError(KindState, "PartyNotRegistered", "party not registered")
	ErrPartyAlreadyRegistered = newError(KindState, "PartyAlreadyRegistered", "party already registered")
	ErrPendingOverflow        = newError(KindState, "PendingOverflow", "pending obligations would overflow the netting totals")
	ErrSettlementSuspended    = newError(KindState, "SettlementSuspended", "settlement operations suspended")
	ErrBelowMinimum           = newError(KindState, "BelowMinimum", "guarantee deposit would fall below minimum")
	ErrUnknownAccount         = newError(KindState, "UnknownAccount", "account not found")
	ErrUnknownVenue           = newError(KindState, "UnknownVenue", "venue not found")
	ErrUnknownResolution      = newError(KindState, "UnknownResolution", "manual resolution not found")
	ErrStalePrice             = newError(KindState, "Stale", "price is stale")
	ErrOutOfBand              = newError(KindState, "OutOfBand", "price outside allowed band")
	ErrMarketClosed           = newError(KindState, "MarketClosed", "market closed, halted or blacked out")
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
