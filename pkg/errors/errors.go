package apperrors

import "errors"

// Standardized broker and risk errors
var (
	ErrKillSwitchActive      = errors.New("kill switch active")
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
	ErrMarketClosed          = errors.New("market closed")
	ErrTradingHalted         = errors.New("trading halted")
	ErrDrawdownRestricted    = errors.New("drawdown level restricts new positions")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrNotConnected          = errors.New("not connected")
)

// RiskViolation is returned by the RISK tier of the risk gate. Unlike
// SAFETY aborts it trips the persisted circuit breaker.
type RiskViolation struct {
	Rule   string
	Detail string
}

func (e *RiskViolation) Error() string {
	return "risk violation [" + e.Rule + "]: " + e.Detail
}

// IsRiskViolation reports whether err is a RISK-tier rejection
func IsRiskViolation(err error) bool {
	var rv *RiskViolation
	return errors.As(err, &rv)
}

// IsTransient reports whether a broker error is worth retrying on the
// read path. Write-path errors are never retried regardless.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded)
}
