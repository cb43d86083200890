package domain

import "errors"

// Sentinel errors for per-symbol skips. Collaborators wrap them with %w so the
// engine can classify a failure without inspecting strings.
var (
	ErrDataUnavailable  = errors.New("data unavailable")
	ErrInvalidIndicator = errors.New("invalid indicator")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrExecution        = errors.New("execution failure")
)

// SkipReason explains why a symbol produced no intent in a cycle.
type SkipReason string

const (
	ReasonNone             SkipReason = ""
	ReasonDataUnavailable  SkipReason = "data_unavailable"
	ReasonInvalidIndicator SkipReason = "invalid_indicator"
	ReasonInvalidPrice     SkipReason = "invalid_price"
	ReasonQuantityZero     SkipReason = "quantity_zero"
	ReasonExecution        SkipReason = "execution_failure"
)

// ReasonFor maps an error onto the skip taxonomy. Unclassified errors count
// as missing data.
func ReasonFor(err error) SkipReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInvalidIndicator):
		return ReasonInvalidIndicator
	case errors.Is(err, ErrInvalidPrice):
		return ReasonInvalidPrice
	case errors.Is(err, ErrExecution):
		return ReasonExecution
	default:
		return ReasonDataUnavailable
	}
}
