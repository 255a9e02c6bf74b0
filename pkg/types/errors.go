package types

import (
	"errors"
	"fmt"
)

// Rejection codes returned by execution-engine gates and the risk manager.
const (
	RejectHold            = "HOLD_SIGNAL"
	RejectNoVenue         = "VENUE_NOT_CONFIGURED"
	RejectLowConfidence   = "LOW_CONFIDENCE"
	RejectDuplicate       = "DUPLICATE_SIGNAL"
	RejectRateLimited     = "SIGNAL_RATE_LIMITED"
	RejectMinInterval     = "MIN_ORDER_INTERVAL"
	RejectCooldown        = "SYMBOL_COOLDOWN"
	RejectSafetyBlocked   = "SAFETY_BLOCKED"
	RejectNotApproved     = "RISK_NOT_APPROVED"
	RejectZeroSize        = "ZERO_SIZE"
	RejectEmergencyStop   = "EMERGENCY_STOP"
	RejectMarketCondition = "MARKET_CONDITIONS"
)

// RejectionError is an expected policy outcome, not a failure: the signal
// was examined and deliberately not traded.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("signal rejected (%s): %s", e.Code, e.Reason)
}

// NewRejection builds a RejectionError with a formatted reason.
func NewRejection(code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a policy rejection and returns it.
func IsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}

	return nil, false
}

// VenueError is an error reported by, or while talking to, the venue API.
// Transient errors are eligible for retry; the rest fail fast.
type VenueError struct {
	Op        string // "order", "cancel", "info", ...
	Code      string
	Message   string
	Transient bool
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue %s failed: %s (%s)", e.Op, e.Message, e.Code)
	}

	return fmt.Sprintf("venue %s failed: %s", e.Op, e.Message)
}

// IsTransient reports whether err is a retryable venue error. Plain
// network errors are treated as transient by the venue client before they
// reach callers, so only *VenueError is inspected here.
func IsTransient(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}

	return false
}

// Known venue error codes surfaced in VenueError.Code.
const (
	VenueErrMargin        = "INSUFFICIENT_MARGIN"
	VenueErrInvalidSymbol = "INVALID_SYMBOL"
	VenueErrBadPrice      = "INVALID_PRICE"
	VenueErrMinSize       = "BELOW_MIN_SIZE"
	VenueErrRateLimited   = "RATE_LIMITED"
	VenueErrServer        = "SERVER_ERROR"
	VenueErrTimeout       = "TIMEOUT"
	VenueErrNoWallet      = "NO_WALLET"
	VenueErrRejected      = "ORDER_REJECTED"
)
