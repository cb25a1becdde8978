package jobs

import (
	"errors"

	"github.com/spaghettifunk/anima-jobs/engine/containers"
)

var (
	ErrNilJob           = errors.New("job is nil")
	ErrJobRunning       = errors.New("job is queued or running")
	ErrJobNotReset      = errors.New("job already ran, reset it before scheduling it again")
	ErrJobCancelled     = errors.New("job cancelled")
	ErrJobPanicked      = errors.New("job panicked")
	ErrSelfDependency   = errors.New("job cannot depend on itself")
	ErrDependencyFailed = errors.New("job dependency did not complete")
	ErrJoinTimeout      = errors.New("timed out joining job")
	ErrPoolStopped      = errors.New("thread pool is not running")
	ErrPoolInitialized  = errors.New("thread pool already initialized")
	ErrNegativeWorkers  = errors.New("attempting to create thread pool with a negative worker count")
	ErrQueueFull        = containers.ErrQueueFull
)
