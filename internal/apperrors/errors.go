// Package apperrors centralizes the sentinel error taxonomy used across
// the exchange, execution, and grid-trading layers.
package apperrors

import "errors"

// Exchange / submission errors.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Grid-domain errors.
var (
	// ErrPostOnlyWouldCross is returned when a post-only order would have
	// matched immediately; always non-fatal.
	ErrPostOnlyWouldCross = errors.New("post-only order would cross")
	// ErrReduceOnlyNoPosition is returned when a reduce-only order is
	// submitted against a flat or insufficient position.
	ErrReduceOnlyNoPosition = errors.New("reduce-only order has no position to reduce")
	// ErrOrderUnchanged is the distinguished "no need to modify" amend
	// response; the original order id remains alive.
	ErrOrderUnchanged = errors.New("order amendment unchanged")
	// ErrWatchdogStall marks a pending_order flag cleared by the 10s
	// safety-net watchdog rather than a terminal fill/cancel.
	ErrWatchdogStall = errors.New("pending order watchdog stall")
	// ErrExcessFill marks a sell-fill that pushed quantity beyond the
	// configured max layers or notional cap.
	ErrExcessFill = errors.New("fill exceeds configured layer/notional limits")
	// ErrPartialSweepShort marks a close sweep that still left quantity
	// outstanding after the market-sweep fallback.
	ErrPartialSweepShort = errors.New("partial close sweep left quantity outstanding")
	// ErrCircuitBreakerOpen marks an entry/average rejected because the
	// trader's circuit breaker is in its cooldown window.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	// ErrPortfolioCapExceeded marks an intent rejected by the
	// portfolio-wide notional cap.
	ErrPortfolioCapExceeded = errors.New("portfolio notional cap exceeded")
)
