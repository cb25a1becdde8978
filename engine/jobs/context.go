package jobs

import "context"

type workerKey struct{}

type workerInfo struct {
	pool *ThreadPool
	job  *Job
}

func withWorker(ctx context.Context, pool *ThreadPool, job *Job) context.Context {
	return context.WithValue(ctx, workerKey{}, workerInfo{pool: pool, job: job})
}

func workerFromContext(ctx context.Context) (workerInfo, bool) {
	if ctx == nil {
		return workerInfo{}, false
	}
	w, ok := ctx.Value(workerKey{}).(workerInfo)
	return w, ok
}

// PoolFromContext returns the pool executing the job body that received ctx.
func PoolFromContext(ctx context.Context) (PoolName, bool) {
	w, ok := workerFromContext(ctx)
	if !ok {
		return "", false
	}
	return w.pool.name, true
}

// JobFromContext returns the job whose body received ctx.
func JobFromContext(ctx context.Context) (*Job, bool) {
	w, ok := workerFromContext(ctx)
	if !ok {
		return nil, false
	}
	return w.job, true
}
