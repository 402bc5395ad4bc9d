package domain

import "errors"

var (
	ErrUnauthorized        = errors.New("caller not authorized")
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownGoal         = errors.New("unknown goal")
	ErrAlreadyAttested     = errors.New("goal already attested")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNothingToWithdraw   = errors.New("nothing to withdraw")
	ErrInvalidDeposit      = errors.New("invalid deposit")
	ErrMalformedUpdate     = errors.New("malformed price update")
	ErrStalePrice          = errors.New("stale price")
	ErrLowConfidence       = errors.New("price confidence too low")
)

// IsRetryable reports whether err may clear up if the caller tries again later,
// typically with a fresher price update.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStalePrice) || errors.Is(err, ErrLowConfidence)
}

// Kind returns a stable machine-readable name for a settlement error, or
// "internal" for anything outside the taxonomy.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrUnknownGoal):
		return "unknown_goal"
	case errors.Is(err, ErrAlreadyAttested):
		return "already_attested"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNothingToWithdraw):
		return "nothing_to_withdraw"
	case errors.Is(err, ErrInvalidDeposit):
		return "invalid_deposit"
	case errors.Is(err, ErrMalformedUpdate):
		return "malformed_update"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	case errors.Is(err, ErrLowConfidence):
		return "low_confidence"
	default:
		return "internal"
	}
}
