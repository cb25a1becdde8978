package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/jobs"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownPool   = errors.New("unknown job pool")
	ErrDuplicatePool = errors.New("job pool registered twice")
)

type JobSystemConfig struct {
	// Worker pools. The main pool is always added as a manual pool.
	Pools []core.PoolConfig
	// Capacity of each pool queue, 0 for unbounded.
	QueueCapacity int
	// Run queued jobs before stopping the workers.
	DrainOnShutdown bool
	// Panic on usage errors.
	DebugAsserts bool
}

// JobSystem routes jobs to named thread pools. The registry is fixed once
// created, so lookups need no lock.
type JobSystem struct {
	pools           map[jobs.PoolName]*jobs.ThreadPool
	drainOnShutdown bool
	debugAsserts    bool

	mu      sync.Mutex
	stopped bool
}

// shutdownOrder destroys producers of chained work before their consumers.
var shutdownOrder = []jobs.PoolName{jobs.PoolResource, jobs.PoolBackground, jobs.PoolRender}

func NewJobSystem(config *JobSystemConfig, metrics *core.JobMetrics) (*JobSystem, error) {
	total := 0
	for _, p := range config.Pools {
		if p.Workers < 1 {
			return nil, fmt.Errorf("%w: pool '%s' has %d workers", core.ErrInvalidConfig, p.Name, p.Workers)
		}
		total += p.Workers
	}
	if total < core.MinWorkerCount {
		return nil, fmt.Errorf("%w: got %d", core.ErrTooFewWorkers, total)
	}

	js := &JobSystem{
		pools:           make(map[jobs.PoolName]*jobs.ThreadPool, len(config.Pools)+1),
		drainOnShutdown: config.DrainOnShutdown,
		debugAsserts:    config.DebugAsserts,
	}

	mainPool := jobs.NewThreadPool(jobs.PoolMain, config.QueueCapacity, metrics)
	if err := mainPool.Init(0); err != nil {
		return nil, err
	}
	js.pools[jobs.PoolMain] = mainPool

	for _, pc := range config.Pools {
		name := jobs.PoolName(pc.Name)
		if _, exists := js.pools[name]; exists {
			js.destroyAll(false)
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePool, name)
		}
		p := jobs.NewThreadPool(name, config.QueueCapacity, metrics)
		if err := p.Init(pc.Workers); err != nil {
			js.destroyAll(false)
			return nil, err
		}
		js.pools[name] = p
	}

	core.LogInfo("Job system initialized with pools %v (%d workers).", js.PoolNames(), total)
	return js, nil
}

/**
 * @brief Submits the provided job to the named pool and returns immediately.
 * @param job The job to run. The caller keeps it alive until it finishes.
 * @param pool The pool the job runs on.
 */
func (js *JobSystem) ScheduleJob(job *jobs.Job, pool jobs.PoolName) error {
	if job == nil {
		return js.usageError(jobs.ErrNilJob)
	}

	// pools reject jobs themselves once destroyed, so chained jobs keep
	// flowing into pools that are still draining
	p, ok := js.pools[pool]
	if !ok {
		return js.usageError(fmt.Errorf("%w: '%s' for %s", ErrUnknownPool, pool, job))
	}

	if err := p.Submit(job); err != nil {
		if errors.Is(err, jobs.ErrJobRunning) || errors.Is(err, jobs.ErrJobNotReset) {
			return js.usageError(err)
		}
		core.LogWarn("could not schedule job %s on pool '%s': %v", job, pool, err)
		return err
	}
	return nil
}

// Submit creates a job from fn and schedules it.
func (js *JobSystem) Submit(name string, pool jobs.PoolName, fn jobs.Func) (*jobs.Job, error) {
	job := jobs.New(name, fn)
	if err := js.ScheduleJob(job, pool); err != nil {
		return nil, err
	}
	return job, nil
}

func (js *JobSystem) usageError(err error) error {
	if js.debugAsserts {
		panic(err)
	}
	core.LogError("job system usage error: %v", err)
	return err
}

/**
 * @brief Updates the job system. Should happen once an update cycle, on the
 * main loop: it runs the jobs scheduled on the main pool.
 * @returns the number of main pool jobs executed.
 */
func (js *JobSystem) Update() int {
	js.mu.Lock()
	stopped := js.stopped
	js.mu.Unlock()
	if stopped {
		return 0
	}
	return js.pools[jobs.PoolMain].RunPending()
}

func (js *JobSystem) Pool(name jobs.PoolName) (*jobs.ThreadPool, bool) {
	p, ok := js.pools[name]
	return p, ok
}

// PoolNames returns the registered pool names, sorted.
func (js *JobSystem) PoolNames() []jobs.PoolName {
	names := make([]jobs.PoolName, 0, len(js.pools))
	for name := range js.pools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Pending returns how many jobs wait in the queue of the named pool.
func (js *JobSystem) Pending(name jobs.PoolName) (int, error) {
	p, ok := js.pools[name]
	if !ok {
		return 0, fmt.Errorf("%w: '%s'", ErrUnknownPool, name)
	}
	return p.Pending(), nil
}

/**
 * @brief Shuts the job system down. Must be called from outside any job.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.stopped {
		js.mu.Unlock()
		return nil
	}
	js.stopped = true
	js.mu.Unlock()

	js.destroyAll(js.drainOnShutdown)
	core.LogInfo("Job system shut down.")
	return nil
}

func (js *JobSystem) destroyAll(drain bool) {
	done := make(map[jobs.PoolName]bool, len(js.pools))
	for _, name := range shutdownOrder {
		if p, ok := js.pools[name]; ok {
			p.Destroy(drain)
			done[name] = true
		}
	}
	// custom pools, then main last
	for _, name := range js.PoolNames() {
		if name == jobs.PoolMain || done[name] {
			continue
		}
		js.pools[name].Destroy(drain)
	}
	js.pools[jobs.PoolMain].Destroy(drain)
}
