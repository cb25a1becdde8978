package core

import (
	"errors"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrTooFewWorkers = errors.New("the job system needs at least 3 workers across all pools")
	ErrMissingPool   = errors.New("a pool the engine schedules on is not configured")
	ErrUnknown       = errors.New("unknown")
)
