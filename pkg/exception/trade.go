package exception

import "errors"

var (
	ErrOrderFailed         = errors.New("trade: order failed")
	ErrInsufficientBalance = errors.New("trade: insufficient balance")
	ErrZeroStopDistance    = errors.New("trade: stop distance is zero")
	ErrMismatchPair        = errors.New("trade: pair does not match connector")
	ErrZeroQuantity        = errors.New("trade: position size rounds to zero")
)
