package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/jobs"
)

var (
	ErrSyncFailed   = errors.New("render buffer sync failed")
	ErrBufferInUse  = errors.New("command buffer still in use")
	ErrRenderPanic  = errors.New("render command panicked")
	ErrFrameRunning = errors.New("previous frame not synced yet")
)

// FrameState tracks where the frame handoff is.
type FrameState int32

const (
	// The main thread records the next frame; the render worker is idle.
	AppWaiting FrameState = iota
	// The sync job swaps the buffers while the main thread waits on it.
	AppSwapping
	// The render worker executes the frame commands.
	RenderingFrame
	// The render worker executes the UI commands.
	RenderingUI
)

func (s FrameState) String() string {
	switch s {
	case AppWaiting:
		return "app_waiting"
	case AppSwapping:
		return "app_swapping"
	case RenderingFrame:
		return "rendering_frame"
	case RenderingUI:
		return "rendering_ui"
	default:
		return "unknown"
	}
}

type Scheduler interface {
	ScheduleJob(job *jobs.Job, pool jobs.PoolName) error
}

type RendererConfig struct {
	// Pool running the sync and render jobs. Defaults to the render pool.
	Pool jobs.PoolName
	// Bound on the main thread wait for the buffer swap. 0 means one second.
	SyncTimeout time.Duration
	Backend     RendererBackend
	Metrics     *core.JobMetrics
}

// Renderer double buffers render commands between the main thread and the
// render worker. Submit, Record, SyncBuffers and DrawFrame must be called
// from the main thread only.
type Renderer struct {
	scheduler   Scheduler
	backend     RendererBackend
	pool        jobs.PoolName
	syncTimeout time.Duration
	metrics     *core.JobMetrics

	buffers [2]CommandBuffer
	// swapped only by the sync job, while the main thread is joined on it
	currentCommandBuffer *CommandBuffer
	nextCommandBuffer    *CommandBuffer

	state   atomic.Int32
	dropped atomic.Uint64
	tears   atomic.Uint64

	syncJob   *jobs.Job
	renderJob *jobs.Job
}

func New(scheduler Scheduler, config RendererConfig) *Renderer {
	r := &Renderer{
		scheduler:   scheduler,
		backend:     config.Backend,
		pool:        config.Pool,
		syncTimeout: config.SyncTimeout,
		metrics:     config.Metrics,
	}
	if r.backend == nil {
		r.backend = NullBackend{}
	}
	if r.pool == "" {
		r.pool = jobs.PoolRender
	}
	if r.syncTimeout <= 0 {
		r.syncTimeout = time.Second
	}

	r.currentCommandBuffer = &r.buffers[0]
	r.nextCommandBuffer = &r.buffers[1]
	r.nextCommandBuffer.Frame = 1

	r.syncJob = jobs.New("render-sync", r.syncBuffers)
	r.renderJob = jobs.New("render-frame", r.renderFrame)
	// The swap never happens while a frame is still being drawn. A render
	// job that was never scheduled counts as finished.
	_ = r.syncJob.DependsOn(r.renderJob)
	return r
}

func (r *Renderer) Initialize(appName string) error {
	return r.backend.Initialize(appName)
}

// Record gives fn the buffer of the frame being recorded.
func (r *Renderer) Record(fn func(buf *CommandBuffer)) {
	buf := r.nextCommandBuffer
	buf.writers.Add(1)
	if buf.readers.Load() != 0 {
		r.tears.Add(1)
		core.LogError("main thread writing command buffer of frame %d while it is rendered", buf.Frame)
	}
	fn(buf)
	buf.writers.Add(-1)
}

func (r *Renderer) Submit(cmd RenderCommand) {
	r.Record(func(buf *CommandBuffer) { buf.Add(cmd) })
}

func (r *Renderer) SubmitUI(cmd RenderCommand) {
	r.Record(func(buf *CommandBuffer) { buf.AddUI(cmd) })
}

// RecordingFrame returns the number of the frame being recorded.
func (r *Renderer) RecordingFrame() uint64 {
	return r.nextCommandBuffer.Frame
}

/**
 * @brief Swaps the command buffers on the render worker and waits for it.
 * Once it returns the main thread owns the next buffer and the render
 * worker owns the current one. Any error is fatal: buffer ownership can no
 * longer be guaranteed.
 */
func (r *Renderer) SyncBuffers() error {
	if err := r.syncJob.Reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if err := r.scheduler.ScheduleJob(r.syncJob, r.pool); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if err := r.syncJob.JoinTimeout(r.syncTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	if !r.syncJob.IsDone() {
		return fmt.Errorf("%w: sync job is %s: %w", ErrSyncFailed, r.syncJob.State(), r.syncJob.Err())
	}
	return nil
}

// DrawFrame schedules the render job for the buffer swapped in by the last
// SyncBuffers and returns immediately.
func (r *Renderer) DrawFrame() error {
	if err := r.renderJob.Reset(); err != nil {
		return fmt.Errorf("%w: %w", ErrFrameRunning, err)
	}
	return r.scheduler.ScheduleJob(r.renderJob, r.pool)
}

// Present is SyncBuffers followed by DrawFrame.
func (r *Renderer) Present() error {
	if err := r.SyncBuffers(); err != nil {
		return err
	}
	return r.DrawFrame()
}

func (r *Renderer) syncBuffers(ctx context.Context) error {
	r.state.Store(int32(AppSwapping))

	current, next := r.currentCommandBuffer, r.nextCommandBuffer
	if current.readers.Load() != 0 || next.writers.Load() != 0 {
		return fmt.Errorf("%w: frame %d", ErrBufferInUse, next.Frame)
	}
	r.currentCommandBuffer, r.nextCommandBuffer = next, current
	r.nextCommandBuffer.reset(next.Frame + 1)
	return nil
}

func (r *Renderer) renderFrame(ctx context.Context) error {
	buf := r.currentCommandBuffer
	buf.readers.Add(1)
	defer buf.readers.Add(-1)
	if buf.writers.Load() != 0 {
		r.tears.Add(1)
		core.LogError("render worker reading command buffer of frame %d while it is written", buf.Frame)
	}

	if err := r.drawBuffer(buf); err != nil {
		r.dropped.Add(1)
		r.metrics.FrameDropped()
		core.LogError("frame %d dropped: %v", buf.Frame, err)
		core.EventFire(core.EVENT_CODE_FRAME_DROPPED, r, core.EventContext{Frame: buf.Frame, Err: err})
	}
	r.state.Store(int32(AppWaiting))
	return nil
}

func (r *Renderer) drawBuffer(buf *CommandBuffer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrRenderPanic, rec)
		}
	}()

	r.state.Store(int32(RenderingFrame))
	if err := r.backend.BeginFrame(buf.Frame, buf.DeltaTime); err != nil {
		return err
	}
	for _, cmd := range buf.commands {
		if err := cmd(); err != nil {
			return err
		}
	}
	r.state.Store(int32(RenderingUI))
	for _, cmd := range buf.uiCommands {
		if err := cmd(); err != nil {
			return err
		}
	}
	return r.backend.EndFrame(buf.Frame, buf.DeltaTime)
}

func (r *Renderer) State() FrameState {
	return FrameState(r.state.Load())
}

// DroppedFrames returns how many frames failed to render.
func (r *Renderer) DroppedFrames() uint64 {
	return r.dropped.Load()
}

// Tears returns how many times a buffer was written and read at once.
func (r *Renderer) Tears() uint64 {
	return r.tears.Load()
}

// Shutdown waits for the last frame and shuts the backend down.
func (r *Renderer) Shutdown() error {
	if err := r.renderJob.JoinTimeout(r.syncTimeout); err != nil {
		core.LogWarn("last frame did not finish: %v", err)
	}
	return r.backend.Shutdown()
}
