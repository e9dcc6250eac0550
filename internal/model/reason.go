package model

import "errors"

// Reject reason codes returned to callers. Stable strings: clients and tests
// match on them.
const (
	ReasonMarketNotFound      = "MARKET_NOT_FOUND"
	ReasonMarketNotOpen       = "MARKET_NOT_OPEN"
	ReasonMarketLocked        = "MARKET_LOCKED"
	ReasonMarketNotCancelable = "MARKET_NOT_CANCELLABLE"
	ReasonInvalidSide         = "INVALID_SIDE"
	ReasonStakeTooLow         = "STAKE_TOO_LOW"
	ReasonStakeTooHigh        = "STAKE_TOO_HIGH"
	ReasonExposureCap         = "EXPOSURE_CAP"
	ReasonPoolCap             = "POOL_CAP"
	ReasonOrderNotFound       = "ORDER_NOT_FOUND"
	ReasonNotOrderOwner       = "NOT_ORDER_OWNER"
	ReasonOrderNotPending     = "ORDER_NOT_PENDING"
	ReasonIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	ReasonMatchNotFound       = "MATCH_NOT_FOUND"
	ReasonMatchNotActive      = "MATCH_NOT_ACTIVE"
	ReasonMatchFull           = "MATCH_FULL"
	ReasonNotMatchPlayer      = "NOT_MATCH_PLAYER"
	ReasonScoreAlreadySet     = "SCORE_ALREADY_SET"
	ReasonSessionNotActive    = "SESSION_NOT_ACTIVE"
	ReasonAmountOutOfBounds   = "AMOUNT_OUT_OF_BOUNDS"
	ReasonInvalidAddress      = "INVALID_ADDRESS"
	ReasonInvalidAmount       = "INVALID_AMOUNT"
)

// RejectError is a validation failure with a machine-readable reason code.
// Rejections are never retried automatically.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// Reject builds a RejectError with the given reason code.
func Reject(reason, detail string) error {
	return &RejectError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the reason code from err, or "" if err is not a
// rejection.
func ReasonOf(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrIdempotencyConflict is returned when an idempotency key is reused with
// different request parameters.
var ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
