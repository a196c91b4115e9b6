package exception

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExchangeAuth       = errors.New("exchange: authentication rejected")
	ErrExchangeConnection = errors.New("exchange: connection failed")
	ErrExchangeClosed     = errors.New("exchange: not connected")
	ErrMarketRulesMissing = errors.New("exchange: market rules not loaded")
	ErrRateLimited        = errors.New("exchange: rate limited")
)

// RateLimit is a rate-limited response carrying an optional server
// retry hint. RetryAfter of zero means no hint was provided.
type RateLimit struct {
	RetryAfter time.Duration
}

func (e *RateLimit) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("exchange: rate limited, retry after %s", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimit) Unwrap() error {
	return ErrRateLimited
}
