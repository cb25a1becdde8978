package jobs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
)

func TestThreadPool_HundredJobsCompleteOnce(t *testing.T) {
	p := newTestPool(t, PoolBackground, 4)

	const n = 100
	var counts [n]atomic.Int32
	all := make([]*Job, n)
	for i := 0; i < n; i++ {
		i := i
		all[i] = New("noop", func(context.Context) error {
			counts[i].Add(1)
			return nil
		})
		if err := p.Submit(all[i]); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	deadline := time.Now().Add(testTimeout)
	for i, j := range all {
		if err := j.JoinTimeout(time.Until(deadline)); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
		if !j.IsDone() {
			t.Errorf("job %d State = %s, want done", i, j.State())
		}
	}
	for i := range counts {
		if got := counts[i].Load(); got != 1 {
			t.Errorf("job %d ran %d times, want 1", i, got)
		}
	}
	if p.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", p.Pending())
	}
}

func TestThreadPool_FIFOPerSubmitter(t *testing.T) {
	p := newTestPool(t, PoolResource, 1)

	var mu sync.Mutex
	var order []int
	const n = 50
	all := make([]*Job, n)
	for i := 0; i < n; i++ {
		i := i
		all[i] = New("ordered", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err := p.Submit(all[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := all[n-1].JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("ran %d jobs, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (queue must be FIFO)", i, v, i)
		}
	}
}

func TestThreadPool_SubmitErrors(t *testing.T) {
	p := NewThreadPool(PoolBackground, 0, nil)

	j := New("early", func(context.Context) error { return nil })
	if err := p.Submit(j); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Submit before Init error = %v, want %v", err, ErrPoolStopped)
	}
	if err := p.Init(-1); !errors.Is(err, ErrNegativeWorkers) {
		t.Fatalf("Init(-1) error = %v, want %v", err, ErrNegativeWorkers)
	}
	if err := p.Init(1); err != nil {
		t.Fatal(err)
	}
	if err := p.Init(1); !errors.Is(err, ErrPoolInitialized) {
		t.Fatalf("second Init error = %v, want %v", err, ErrPoolInitialized)
	}
	if err := p.Submit(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("Submit(nil) error = %v, want %v", err, ErrNilJob)
	}

	p.Destroy(true)
	if err := p.Submit(j); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Submit after Destroy error = %v, want %v", err, ErrPoolStopped)
	}
	if j.State() != StateNotStarted {
		t.Errorf("rejected job State = %s, want %s", j.State(), StateNotStarted)
	}
}

func TestThreadPool_BoundedQueue(t *testing.T) {
	p := NewThreadPool(PoolBackground, 1, nil)
	if err := p.Init(1); err != nil {
		t.Fatal(err)
	}
	defer p.Destroy(true)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := New("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	_ = p.Submit(blocker)
	<-started

	queued := New("queued", func(context.Context) error { return nil })
	if err := p.Submit(queued); err != nil {
		t.Fatal(err)
	}
	overflow := New("overflow", func(context.Context) error { return nil })
	if err := p.Submit(overflow); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit on a full queue error = %v, want %v", err, ErrQueueFull)
	}
	if overflow.State() != StateNotStarted {
		t.Errorf("rejected job State = %s, want %s", overflow.State(), StateNotStarted)
	}

	close(release)
	if err := queued.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(overflow); err != nil {
		t.Fatalf("Submit after the queue drained error = %v", err)
	}
	if err := overflow.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
}

func TestThreadPool_DestroyDrain(t *testing.T) {
	p := NewThreadPool(PoolBackground, 0, nil)
	if err := p.Init(1); err != nil {
		t.Fatal(err)
	}

	var ran atomic.Int32
	all := make([]*Job, 20)
	for i := range all {
		all[i] = New("drained", func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		})
		_ = p.Submit(all[i])
	}
	p.Destroy(true)

	if got := ran.Load(); got != 20 {
		t.Fatalf("drain ran %d jobs, want 20", got)
	}
	for _, j := range all {
		if !j.IsDone() {
			t.Errorf("State = %s, want done", j.State())
		}
	}
}

func TestThreadPool_DestroyAbandon(t *testing.T) {
	p := NewThreadPool(PoolBackground, 0, nil)
	if err := p.Init(1); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	blocker := New("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_ = p.Submit(blocker)
	<-started

	abandoned := New("abandoned", func(context.Context) error { return nil })
	_ = p.Submit(abandoned)

	done := make(chan struct{})
	go func() {
		p.Destroy(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Destroy(false) did not return")
	}

	// An abandoned job never leaves its joiners hanging.
	if err := abandoned.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
	if !abandoned.IsCancelled() || !errors.Is(abandoned.Err(), ErrPoolStopped) {
		t.Errorf("abandoned State=%s Err=%v", abandoned.State(), abandoned.Err())
	}
	if !blocker.HasErrors() || !errors.Is(blocker.Err(), context.Canceled) {
		t.Errorf("blocker State=%s Err=%v", blocker.State(), blocker.Err())
	}
}

func TestThreadPool_ManualRunPending(t *testing.T) {
	p := NewThreadPool(PoolMain, 0, nil)
	if err := p.Init(0); err != nil {
		t.Fatal(err)
	}
	defer p.Destroy(true)

	var order []string
	var chained *Job
	first := New("first", func(ctx context.Context) error {
		order = append(order, "first")
		chained = New("chained", func(context.Context) error {
			order = append(order, "chained")
			return nil
		})
		return p.Submit(chained)
	})
	second := New("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})
	_ = p.Submit(first)
	_ = p.Submit(second)

	if got := p.RunPending(); got != 2 {
		t.Fatalf("RunPending = %d, want 2", got)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
	if chained.State() != StateQueued {
		t.Fatalf("chained State = %s, want queued until the next RunPending", chained.State())
	}
	if got := p.RunPending(); got != 1 {
		t.Fatalf("second RunPending = %d, want 1", got)
	}
	if !chained.IsDone() {
		t.Errorf("chained State = %s, want done", chained.State())
	}
}

func TestThreadPool_NestedJoinOnOtherPool(t *testing.T) {
	resource := newTestPool(t, PoolResource, 1)
	background := newTestPool(t, PoolBackground, 1)

	var innerDoneFirst atomic.Bool
	var inner *Job
	outer := New("outer", func(ctx context.Context) error {
		inner = New("inner", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		})
		if err := background.Submit(inner); err != nil {
			return err
		}
		if err := inner.JoinContext(ctx); err != nil {
			return err
		}
		innerDoneFirst.Store(inner.IsDone())
		return nil
	})
	if err := resource.Submit(outer); err != nil {
		t.Fatal(err)
	}
	if err := outer.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
	if !outer.IsDone() || !innerDoneFirst.Load() {
		t.Fatalf("outer State=%s, inner done before outer finished=%t", outer.State(), innerDoneFirst.Load())
	}
}

func TestThreadPool_SamePoolJoinTimesOut(t *testing.T) {
	p := newTestPool(t, PoolBackground, 1)

	var joinErr error
	var inner *Job
	outer := New("outer", func(ctx context.Context) error {
		inner = New("inner", func(context.Context) error { return nil })
		if err := p.Submit(inner); err != nil {
			return err
		}
		// The only worker is busy here: a bounded join reports the deadlock.
		joinCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		joinErr = inner.JoinContext(joinCtx)
		return nil
	})
	_ = p.Submit(outer)
	if err := outer.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(joinErr, context.DeadlineExceeded) {
		t.Fatalf("same pool join error = %v, want %v", joinErr, context.DeadlineExceeded)
	}
	if err := inner.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	out := &syncBuffer{}
	core.SetLogOutput(out)
	t.Cleanup(func() { core.SetLogOutput(os.Stderr) })
	return out
}

func TestThreadPool_JoinOnManualPoolWarns(t *testing.T) {
	out := captureLogs(t)
	p := newTestPool(t, PoolMain, 0)

	job := New("frame-task", func(context.Context) error { return nil })
	if err := p.Submit(job); err != nil {
		t.Fatal(err)
	}
	if err := job.JoinTimeout(20 * time.Millisecond); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("JoinTimeout() error = %v, want %v", err, ErrJoinTimeout)
	}
	if !strings.Contains(out.String(), "manual pool 'main'") {
		t.Errorf("no deadlock warning logged, got %q", out.String())
	}

	if got := p.RunPending(); got != 1 {
		t.Fatalf("RunPending() = %d, want 1", got)
	}
	if err := job.JoinTimeout(testTimeout); err != nil || !job.IsDone() {
		t.Errorf("after RunPending JoinTimeout() = %v, State = %s", err, job.State())
	}
}

func TestThreadPool_JoinOnWorkerPoolDoesNotWarn(t *testing.T) {
	out := captureLogs(t)
	p := newTestPool(t, PoolBackground, 1)

	release := make(chan struct{})
	job := New("slow", func(context.Context) error {
		<-release
		return nil
	})
	if err := p.Submit(job); err != nil {
		t.Fatal(err)
	}
	if err := job.JoinTimeout(20 * time.Millisecond); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("JoinTimeout() error = %v, want %v", err, ErrJoinTimeout)
	}
	close(release)
	if err := job.JoinTimeout(testTimeout); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "possible deadlock") {
		t.Errorf("unexpected deadlock warning: %q", out.String())
	}
}
