package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spaghettifunk/anima-jobs/engine/assets"
	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/renderer"
	"github.com/spaghettifunk/anima-jobs/engine/systems"
)

var ErrWrongStage = errors.New("engine is not in the expected stage")

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage  Stage
	gameInstance  *Game
	config        *core.Config
	assetManager  *assets.AssetManager
	systemManager *systems.SystemManager
	clock         *core.Clock
	isRunning     atomic.Bool
	frameCount    uint64
	lastTime      time.Time

	registry      *prometheus.Registry
	metrics       *core.JobMetrics
	metricsServer *http.Server
}

func New(g *Game, config *core.Config) (*Engine, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.Log.Level); err != nil {
		return nil, fmt.Errorf("%w: log level: %w", core.ErrInvalidConfig, err)
	}
	if config.Log.Prefix != "" {
		core.SetLogPrefix(config.Log.Prefix)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := core.NewJobMetrics("anima", registry)

	sm, err := systems.NewSystemManager(config, g.Backend, metrics)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	var am *assets.AssetManager
	if config.Application.AssetsDir != "" {
		am, err = assets.NewAssetManager(256)
		if err != nil {
			_ = sm.Shutdown()
			return nil, err
		}
	}

	return &Engine{
		currentStage:  EngineStageUninitialized,
		gameInstance:  g,
		config:        config,
		assetManager:  am,
		systemManager: sm,
		clock:         core.NewClock(),
		registry:      registry,
		metrics:       metrics,
	}, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("%w: initialize from stage %d", ErrWrongStage, e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	core.EventInitialize()
	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)

	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	if err := e.systemManager.Initialize(e.config.Application.Name, e.gameInstance.LoaderFactories); err != nil {
		return err
	}

	if e.assetManager != nil {
		if err := e.assetManager.Initialize(e.config.Application.AssetsDir); err != nil {
			return err
		}
	}

	if e.config.Metrics.Enabled {
		e.serveMetrics()
	}

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e.systemManager); err != nil {
			return err
		}
	}

	e.isRunning.Store(true)
	e.currentStage = EngineStageInitialized
	core.LogInfo("Engine '%s' initialized.", e.config.Application.Name)
	return nil
}

func (e *Engine) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry}))
	e.metricsServer = &http.Server{
		Addr:              e.config.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := e.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.LogError("metrics server: %v", err)
		}
	}()
	core.LogInfo("Serving metrics on %s/metrics", e.config.Metrics.Address)
}

// Run executes frames until ctx is cancelled, a quit event is fired or the
// configured frame count is reached. A failed buffer sync stops the loop
// with an error.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("%w: run from stage %d", ErrWrongStage, e.currentStage)
	}
	e.currentStage = EngineStageRunning

	var targetFrame time.Duration
	if fps := e.config.Application.TargetFPS; fps > 0 {
		targetFrame = time.Second / time.Duration(fps)
	}

	e.clock.Start()
	e.lastTime = time.Now()

	for e.isRunning.Load() {
		if ctx.Err() != nil {
			break
		}

		frameStart := time.Now()
		delta := frameStart.Sub(e.lastTime).Seconds()
		e.lastTime = frameStart

		if err := e.frame(delta); err != nil {
			e.isRunning.Store(false)
			return err
		}

		// Figure out how long the frame took and give the rest back to the OS.
		e.clock.Update()
		frameElapsed := time.Since(frameStart)
		core.MetricsUpdate(frameElapsed)
		e.frameCount++

		if maxFrames := e.config.Application.MaxFrames; maxFrames > 0 && e.frameCount >= maxFrames {
			e.isRunning.Store(false)
			break
		}

		if remaining := targetFrame - frameElapsed; remaining > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
		}
	}

	e.clock.Update()
	e.clock.Stop()
	fps, frameMS := core.MetricsFrame()
	core.LogInfo("Engine stopped after %d frames in %s (%.1f fps, %.2f ms/frame).", e.frameCount, e.clock.Elapsed(), fps, frameMS)
	return nil
}

func (e *Engine) frame(delta float64) error {
	sm := e.systemManager

	if e.assetManager != nil {
		for _, info := range e.assetManager.Drain() {
			n, err := sm.ResourceSystem.ReloadPath(info.Path)
			if err != nil {
				core.LogWarn("hot reload of '%s': %v", info.Path, err)
			}
			if n > 0 {
				core.LogInfo("'%s' changed, %d resources reloading", info.Path, n)
			}
		}
	}

	sm.Update()

	if e.gameInstance.FnUpdate != nil {
		if err := e.gameInstance.FnUpdate(delta); err != nil {
			return fmt.Errorf("game update: %w", err)
		}
	}

	r := sm.Renderer
	if e.gameInstance.FnRender != nil {
		if err := e.gameInstance.FnRender(r, delta); err != nil {
			return fmt.Errorf("game render: %w", err)
		}
	}
	r.Record(func(buf *renderer.CommandBuffer) { buf.DeltaTime = delta })

	if err := r.SyncBuffers(); err != nil {
		core.LogError("render sync failed, stopping: %v", err)
		return err
	}
	return r.DrawFrame()
}

// Stop asks the loop to end after the current frame.
func (e *Engine) Stop() {
	core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
	e.isRunning.Store(false)
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	var errs []error
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.assetManager != nil {
		if err := e.assetManager.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.systemManager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if e.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	core.EventUnregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	if err := core.EventShutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) Systems() *systems.SystemManager {
	return e.systemManager
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) FrameCount() uint64 {
	return e.frameCount
}

func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	}
	return false
}
