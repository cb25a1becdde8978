package loaders

import (
	"errors"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/jobs"
)

var (
	ErrEmptyFile   = errors.New("resource file is empty")
	ErrNotLoaded   = errors.New("resource is not loaded")
	ErrLoaderBusy  = errors.New("loader is still running")
	ErrNoScheduler = errors.New("loader started without a scheduler")
)

type ResourceType uint8

const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeTexture
	ResourceTypeModel
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeTexture:
		return "texture"
	case ResourceTypeModel:
		return "model"
	default:
		return "none"
	}
}

/** @brief Loading progress of a resource, polled once per frame. */
type Status uint8

const (
	StatusNotLoaded Status = iota
	StatusLoading
	StatusLoaded
	StatusErrorLoading
)

func (s Status) String() string {
	switch s {
	case StatusNotLoaded:
		return "not_loaded"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusErrorLoading:
		return "error_loading"
	default:
		return "unknown"
	}
}

// Scheduler routes jobs to named pools.
type Scheduler interface {
	ScheduleJob(job *jobs.Job, pool jobs.PoolName) error
}

// Loader drives the jobs that bring one resource from disk to the GPU.
type Loader interface {
	Name() string
	Path() string
	Type() ResourceType
	// Start schedules the first stage and returns immediately.
	Start(s Scheduler) error
	// Poll reports progress without blocking.
	Poll() Status
	// Err returns the error of the first failed stage.
	Err() error
	// Reset prepares a finished loader to be started again.
	Reset() error
	// Wait blocks until every scheduled stage finished or timeout elapsed.
	Wait(timeout time.Duration) error
}

// chainStatus derives the status of a loader from its stages, in order.
func chainStatus(stages ...*jobs.Job) Status {
	for _, j := range stages {
		if j.HasErrors() || j.IsCancelled() {
			return StatusErrorLoading
		}
	}
	if stages[len(stages)-1].IsDone() {
		return StatusLoaded
	}
	if stages[0].State() == jobs.StateNotStarted {
		return StatusNotLoaded
	}
	return StatusLoading
}

func chainErr(stages ...*jobs.Job) error {
	for _, j := range stages {
		if err := j.Err(); err != nil {
			return err
		}
	}
	return nil
}

func chainReset(stages ...*jobs.Job) error {
	for _, j := range stages {
		if s := j.State(); s == jobs.StateQueued || s == jobs.StateRunning {
			return ErrLoaderBusy
		}
	}
	for _, j := range stages {
		if err := j.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// chainWait joins the stages in order. A stage is only scheduled once its
// predecessor finished, so joining in order observes the whole chain.
func chainWait(timeout time.Duration, stages ...*jobs.Job) error {
	deadline := time.Now().Add(timeout)
	for _, j := range stages {
		if err := j.JoinTimeout(time.Until(deadline)); err != nil {
			return err
		}
	}
	return nil
}
