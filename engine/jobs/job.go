package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-jobs/engine/core"
)

// State is the lifecycle state of a Job.
type State int32

const (
	// The job was created or reset and has not been scheduled.
	StateNotStarted State = iota
	// The job was admitted by a pool and waits for a worker or for its dependency.
	StateQueued
	// A worker is executing the body.
	StateRunning
	// The body returned without error.
	StateDone
	// The job was dropped before a worker started it.
	StateCancelled
	// The body returned an error or panicked.
	StateError
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// IsTerminal reports whether a job in this state will not change state
// again until it is reset.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// Func is the body of a job. ctx is cancelled when the executing pool is
// destroyed without draining.
type Func func(ctx context.Context) error

// Job is a unit of work executed at most once per scheduling. The owner of a
// Job keeps it alive while it is scheduled; pools only hold a reference
// until the body returns.
type Job struct {
	id   uuid.UUID
	name string
	fn   Func

	mu            sync.Mutex
	state         State
	err           error
	cycle         uint64
	pool          PoolName
	owner         *ThreadPool
	done          chan struct{}
	dependency    *Job
	continuations []func(State)
}

// New creates a job. It does not start it.
func New(name string, fn Func) *Job {
	if fn == nil {
		panic(fmt.Sprintf("jobs: job '%s' created without a body", name))
	}
	return &Job{
		id:   uuid.New(),
		name: name,
		fn:   fn,
	}
}

func (j *Job) ID() uuid.UUID {
	return j.id
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) String() string {
	return fmt.Sprintf("%s (%s)", j.name, j.id)
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns why the last run did not reach StateDone.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Pool returns the pool of the last scheduling.
func (j *Job) Pool() PoolName {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pool
}

func (j *Job) IsDone() bool {
	return j.State() == StateDone
}

func (j *Job) HasErrors() bool {
	return j.State() == StateError
}

func (j *Job) IsCancelled() bool {
	return j.State() == StateCancelled
}

// DependsOn makes the next scheduling of j wait until dep is done. A nil dep
// clears the dependency. If dep ends in error or is cancelled, j is
// cancelled with ErrDependencyFailed. A dep that was never scheduled counts
// as satisfied.
func (j *Job) DependsOn(dep *Job) error {
	if dep == j {
		return ErrSelfDependency
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateQueued || j.state == StateRunning {
		return fmt.Errorf("%w: %s", ErrJobRunning, j)
	}
	j.dependency = dep
	return nil
}

func (j *Job) Dependency() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dependency
}

// Join blocks until the job reaches a terminal state. It returns at once for
// a job that was never scheduled. Writes made by the body are visible to the
// caller once Join returns.
// A job on a manual pool such as PoolMain only runs inside RunPending: the
// goroutine driving RunPending must not Join it, it would block forever.
func (j *Job) Join() {
	_ = j.JoinContext(context.Background())
}

// JoinTimeout is Join bounded by d. It returns ErrJoinTimeout when d elapses
// first.
func (j *Job) JoinTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := j.JoinContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w %s after %s", ErrJoinTimeout, j, d)
		}
		return err
	}
	return nil
}

// JoinContext is Join bounded by ctx. Job bodies should pass their own ctx so
// joins on the pool they run on can be reported.
func (j *Job) JoinContext(ctx context.Context) error {
	j.mu.Lock()
	state, done, pool, owner := j.state, j.done, j.pool, j.owner
	j.mu.Unlock()

	if state == StateNotStarted || state.IsTerminal() {
		return nil
	}

	w, inWorker := workerFromContext(ctx)
	switch {
	case inWorker && w.pool.name == pool && w.pool.Busy() >= w.pool.Workers():
		core.LogWarn("job %s joins %s on its own pool '%s' with no free worker: possible deadlock", w.job, j, pool)
	case owner != nil && owner.Workers() == 0:
		core.LogWarn("joining %s on manual pool '%s': it only runs inside RunPending, possible deadlock", j, pool)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops a job that no worker has started. It returns false when the
// job is running or already finished.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	switch j.state {
	case StateNotStarted:
		j.state = StateCancelled
		j.err = ErrJobCancelled
		j.mu.Unlock()
		return true
	case StateQueued:
		cycle := j.cycle
		j.mu.Unlock()
		return j.cancel(cycle, ErrJobCancelled)
	default:
		j.mu.Unlock()
		return false
	}
}

// Reset returns a finished job to StateNotStarted so it can be scheduled
// again. The dependency is kept.
func (j *Job) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateQueued || j.state == StateRunning {
		return fmt.Errorf("%w: cannot reset %s", ErrJobRunning, j)
	}
	j.state = StateNotStarted
	j.err = nil
	j.done = nil
	return nil
}

// admit opens a new run cycle on the given pool.
func (j *Job) admit(p *ThreadPool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateQueued, StateRunning:
		return 0, fmt.Errorf("%w: %s", ErrJobRunning, j)
	case StateDone, StateError, StateCancelled:
		return 0, fmt.Errorf("%w: %s is %s", ErrJobNotReset, j, j.state)
	}
	j.cycle++
	j.state = StateQueued
	j.err = nil
	j.pool = p.name
	j.owner = p
	j.done = make(chan struct{})
	return j.cycle, nil
}

// revoke undoes admit when the pool could not take the job.
func (j *Job) revoke(cycle uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cycle != cycle || j.state != StateQueued {
		return
	}
	j.state = StateNotStarted
	close(j.done)
	j.done = nil
}

// onFinish registers fn to run when the current cycle ends. It returns false
// when the job is not queued or running; fn is then never called.
func (j *Job) onFinish(fn func(State)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued && j.state != StateRunning {
		return false
	}
	j.continuations = append(j.continuations, fn)
	return true
}

// begin moves a queued job of the given cycle to running.
func (j *Job) begin(cycle uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cycle != cycle || j.state != StateQueued {
		return false
	}
	j.state = StateRunning
	return true
}

func (j *Job) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return j.fn(ctx)
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	if err != nil {
		j.state = StateError
		j.err = err
	} else {
		j.state = StateDone
	}
	j.complete()
}

func (j *Job) cancel(cycle uint64, cause error) bool {
	j.mu.Lock()
	if j.cycle != cycle || j.state != StateQueued {
		j.mu.Unlock()
		return false
	}
	j.state = StateCancelled
	j.err = cause
	j.complete()
	return true
}

// complete releases joiners and runs continuations. j.mu must be held; it is
// released before the continuations run.
func (j *Job) complete() {
	state := j.state
	close(j.done)
	continuations := j.continuations
	j.continuations = nil
	j.mu.Unlock()

	for _, fn := range continuations {
		fn(state)
	}
}
