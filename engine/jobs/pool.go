package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/containers"
	"github.com/spaghettifunk/anima-jobs/engine/core"
)

// PoolName identifies a group of workers dedicated to one kind of work.
type PoolName string

const (
	// Jobs executed by the engine loop itself, once per frame. The pool has
	// no workers: joining one of its jobs from the engine loop never returns.
	PoolMain PoolName = "main"
	// Resource loading jobs. Resources load on their own workers to avoid
	// disk thrashing.
	PoolResource PoolName = "resource"
	// Jobs using GPU resources. Bound to the render worker.
	PoolRender PoolName = "render"
	// General jobs that have no specific thread requirements.
	PoolBackground PoolName = "background"
)

const initialQueueSize = 64

type queuedJob struct {
	job   *Job
	cycle uint64
}

// ThreadPool is a fixed set of workers sharing one FIFO queue. A pool
// initialised with zero workers is manual: its queue is only executed by
// RunPending.
type ThreadPool struct {
	name    PoolName
	metrics *core.JobMetrics

	mu          sync.Mutex
	cond        *sync.Cond
	queue       *containers.RingQueue[queuedJob]
	workers     int
	busy        int
	running     bool
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewThreadPool creates a pool. queueCapacity 0 means the queue grows
// without bound; otherwise Submit fails with ErrQueueFull when it is full.
func NewThreadPool(name PoolName, queueCapacity int, metrics *core.JobMetrics) *ThreadPool {
	var q *containers.RingQueue[queuedJob]
	if queueCapacity > 0 {
		q = containers.NewRingQueue[queuedJob](queueCapacity)
	} else {
		q = containers.NewUnboundedRingQueue[queuedJob](initialQueueSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ThreadPool{
		name:    name,
		metrics: metrics,
		queue:   q,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Init starts workerCount workers.
func (p *ThreadPool) Init(workerCount int) error {
	if workerCount < 0 {
		return ErrNegativeWorkers
	}

	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolInitialized, p.name)
	}
	p.initialized = true
	p.running = true
	p.workers = workerCount
	p.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	core.LogDebug("thread pool '%s' started with %d workers", p.name, workerCount)
	return nil
}

func (p *ThreadPool) Name() PoolName {
	return p.name
}

func (p *ThreadPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Pending returns the number of entries waiting in the queue.
func (p *ThreadPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Busy returns the number of workers executing a job body.
func (p *ThreadPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Submit admits job and returns without waiting. Jobs submitted from one
// goroutine start in submission order. A job with a pending dependency is
// only queued once the dependency is done.
func (p *ThreadPool) Submit(job *Job) error {
	if job == nil {
		return ErrNilJob
	}

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrPoolStopped, p.name)
	}

	cycle, err := job.admit(p)
	if err != nil {
		return err
	}

	if dep := job.Dependency(); dep != nil {
		if dep.onFinish(func(s State) { p.release(job, cycle, s) }) {
			return nil
		}
		if s := dep.State(); s == StateError || s == StateCancelled {
			p.release(job, cycle, s)
			return nil
		}
	}

	if err := p.enqueue(job, cycle); err != nil {
		job.revoke(cycle)
		return err
	}
	return nil
}

// release queues a job whose dependency just finished.
func (p *ThreadPool) release(job *Job, cycle uint64, dep State) {
	if dep != StateDone {
		if job.cancel(cycle, fmt.Errorf("%w: %s is %s", ErrDependencyFailed, job.Dependency(), dep)) {
			p.metrics.JobCancelled(string(p.name))
			core.LogWarn("job %s cancelled on pool '%s': dependency is %s", job, p.name, dep)
		}
		return
	}
	if err := p.enqueue(job, cycle); err != nil {
		if job.cancel(cycle, err) {
			p.metrics.JobCancelled(string(p.name))
		}
		core.LogError("could not queue job %s after its dependency: %v", job, err)
	}
}

func (p *ThreadPool) enqueue(job *Job, cycle uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("%w: %s", ErrPoolStopped, p.name)
	}
	if err := p.queue.Enqueue(queuedJob{job: job, cycle: cycle}); err != nil {
		return fmt.Errorf("pool '%s': %w", p.name, err)
	}
	p.metrics.JobSubmitted(string(p.name))
	p.cond.Signal()
	return nil
}

func (p *ThreadPool) worker(index int) {
	defer p.wg.Done()
	defer func() {
		// job bodies recover their own panics, so this is the loop itself
		if r := recover(); r != nil {
			core.LogFatal("worker %d of pool '%s' terminated unexpectedly: %v", index, p.name, r)
		}
	}()

	for {
		entry, ok := p.next()
		if !ok {
			return
		}
		p.execute(entry)
	}
}

// next blocks until an entry is available. It returns false once the pool
// is stopped and the queue is empty.
func (p *ThreadPool) next() (queuedJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.running && p.queue.IsEmpty() {
		p.cond.Wait()
	}
	entry, err := p.queue.Dequeue()
	if err != nil {
		return queuedJob{}, false
	}
	p.metrics.JobDequeued(string(p.name))
	return entry, true
}

func (p *ThreadPool) execute(entry queuedJob) {
	job := entry.job
	if !job.begin(entry.cycle) {
		// cancelled while it was waiting in the queue
		p.metrics.JobCancelled(string(p.name))
		return
	}

	p.mu.Lock()
	p.busy++
	p.mu.Unlock()
	p.metrics.JobStarted(string(p.name))

	start := time.Now()
	err := job.run(withWorker(p.ctx, p, job))
	elapsed := time.Since(start)

	p.mu.Lock()
	p.busy--
	p.mu.Unlock()
	p.metrics.JobFinished(string(p.name), elapsed, err)

	if err != nil {
		core.LogError("job %s failed on pool '%s': %v", job, p.name, err)
	}
	job.finish(err)
}

// RunPending executes, on the calling goroutine, the entries queued when it
// was called. Jobs they schedule on this pool wait for the next call.
// It returns the number of entries taken from the queue.
func (p *ThreadPool) RunPending() int {
	p.mu.Lock()
	n := p.queue.Len()
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.mu.Lock()
		entry, err := p.queue.Dequeue()
		if err == nil {
			p.metrics.JobDequeued(string(p.name))
		}
		p.mu.Unlock()
		if err != nil {
			return i
		}
		p.execute(entry)
	}
	return n
}

// Destroy stops the pool and waits for its workers. With drain, every queued
// job runs first. Without it, queued jobs are cancelled with ErrPoolStopped
// and the context of running bodies is cancelled. Submit fails afterwards.
// Destroy must not be called from a job running on this pool.
func (p *ThreadPool) Destroy(drain bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	manual := p.workers == 0
	var abandoned []queuedJob
	if !drain {
		abandoned = p.queue.Drain()
	}
	p.mu.Unlock()

	if !drain {
		p.cancel()
	}
	p.cond.Broadcast()

	for _, entry := range abandoned {
		p.metrics.JobDequeued(string(p.name))
		if entry.job.cancel(entry.cycle, fmt.Errorf("%w: %s", ErrPoolStopped, p.name)) {
			p.metrics.JobCancelled(string(p.name))
		}
	}

	if drain && manual {
		for p.RunPending() > 0 {
		}
	}

	p.wg.Wait()
	p.cancel()
	core.LogDebug("thread pool '%s' destroyed (drain=%t)", p.name, drain)
}
