package systems

import (
	"errors"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/renderer"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

type SystemManager struct {
	JobSystem      *JobSystem
	ResourceSystem *ResourceSystem
	Renderer       *renderer.Renderer

	joinTimeout time.Duration
}

func NewSystemManager(config *core.Config, backend renderer.RendererBackend, metrics *core.JobMetrics) (*SystemManager, error) {
	js, err := NewJobSystem(&JobSystemConfig{
		Pools:           config.Jobs.Pools,
		QueueCapacity:   config.Jobs.QueueCapacity,
		DrainOnShutdown: config.Jobs.DrainOnShutdown,
		DebugAsserts:    config.Jobs.DebugAsserts,
	}, metrics)
	if err != nil {
		return nil, err
	}

	rs, err := NewResourceSystem(ResourceSystemConfig{
		MaxLoaderCount: 1000,
		AssetBasePath:  config.Application.AssetsDir,
	}, js)
	if err != nil {
		_ = js.Shutdown()
		return nil, err
	}

	r := renderer.New(js, renderer.RendererConfig{
		SyncTimeout: config.SyncTimeout(),
		Backend:     backend,
		Metrics:     metrics,
	})

	return &SystemManager{
		JobSystem:      js,
		ResourceSystem: rs,
		Renderer:       r,
		joinTimeout:    config.JoinTimeout(),
	}, nil
}

// Initialize registers the loader factories, falling back to the default
// model and texture loaders for types missing from factories.
func (sm *SystemManager) Initialize(appName string, factories map[loaders.ResourceType]LoaderFactory) error {
	defaults := map[loaders.ResourceType]LoaderFactory{
		loaders.ResourceTypeModel: func(name, path string) loaders.Loader {
			return loaders.NewModelLoader(loaders.ModelLoaderConfig{Name: name, Path: path})
		},
		loaders.ResourceTypeTexture: func(name, path string) loaders.Loader {
			return loaders.NewTextureLoader(loaders.TextureLoaderConfig{Name: name, Path: path, ReadTimeout: sm.joinTimeout})
		},
	}
	for t, f := range factories {
		defaults[t] = f
	}
	for t, f := range defaults {
		if err := sm.ResourceSystem.RegisterLoaderFactory(t, f); err != nil {
			return err
		}
	}
	return sm.Renderer.Initialize(appName)
}

/**
 * @brief Runs the main pool jobs and polls the resource loaders. Should
 * happen once an update cycle.
 */
func (sm *SystemManager) Update() {
	sm.JobSystem.Update()
	sm.ResourceSystem.Update()
}

func (sm *SystemManager) Shutdown() error {
	var errs []error
	if err := sm.Renderer.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := sm.ResourceSystem.Shutdown(sm.joinTimeout); err != nil {
		core.LogWarn("resource system shutdown: %v", err)
	}
	if err := sm.JobSystem.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
