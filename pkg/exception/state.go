package exception

import "errors"

var (
	ErrLockHeld    = errors.New("state: lock held by a live process")
	ErrLockNotHeld = errors.New("state: lock not held")
)
