package systems

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

var (
	ErrLoaderExists      = errors.New("a loader with this name is already registered")
	ErrLoaderNotFound    = errors.New("no loader registered with this name")
	ErrTooManyLoaders    = errors.New("maximum number of loaders reached")
	ErrNoLoaderFactory   = errors.New("no loader factory for this resource type")
	ErrFactoryRegistered = errors.New("a loader factory for this resource type already exists")
)

/** @brief The configuration for the resource system */
type ResourceSystemConfig struct {
	/** @brief The maximum number of loaders that can be tracked by this system. */
	MaxLoaderCount uint32
	/** @brief The relative base path for assets. */
	AssetBasePath string
}

// LoaderFactory builds the loader for an asset of a given type.
type LoaderFactory func(name, path string) loaders.Loader

// ResourceSystem starts loader chains and polls them once per frame instead
// of blocking on them.
type ResourceSystem struct {
	config    ResourceSystemConfig
	scheduler loaders.Scheduler

	mu        sync.Mutex
	factories map[loaders.ResourceType]LoaderFactory
	loaders   map[string]loaders.Loader
	inFlight  map[string]loaders.Loader
	status    map[string]loaders.Status
	// changed on disk while in flight, restarted by Update once finished
	reloadPending map[string]bool
}

func NewResourceSystem(config ResourceSystemConfig, scheduler loaders.Scheduler) (*ResourceSystem, error) {
	if config.MaxLoaderCount == 0 {
		return nil, fmt.Errorf("%w: MaxLoaderCount==0", core.ErrInvalidConfig)
	}
	if scheduler == nil {
		return nil, loaders.ErrNoScheduler
	}

	rs := &ResourceSystem{
		config:    config,
		scheduler: scheduler,
		factories: make(map[loaders.ResourceType]LoaderFactory),
		loaders:   make(map[string]loaders.Loader),
		inFlight:  make(map[string]loaders.Loader),
		status:    make(map[string]loaders.Status),

		reloadPending: make(map[string]bool),
	}

	core.LogInfo("Resource system initialized with base path '%s'.", config.AssetBasePath)
	return rs, nil
}

// RegisterLoaderFactory sets how assets of type t are loaded by LoadAsset.
func (rs *ResourceSystem) RegisterLoaderFactory(t loaders.ResourceType, factory LoaderFactory) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, exists := rs.factories[t]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryRegistered, t)
	}
	rs.factories[t] = factory
	core.LogDebug("Loader factory registered for type %s.", t)
	return nil
}

// LoadAsset builds a loader for the asset at relPath (relative to the asset
// base path) with the factory of its type and starts it.
func (rs *ResourceSystem) LoadAsset(name, relPath string, t loaders.ResourceType) (loaders.Loader, error) {
	rs.mu.Lock()
	factory, ok := rs.factories[t]
	rs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLoaderFactory, t)
	}
	l := factory(name, filepath.Join(rs.config.AssetBasePath, relPath))
	if err := rs.Load(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Load registers l and starts it. A finished loader with the same name is
// replaced.
func (rs *ResourceSystem) Load(l loaders.Loader) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	name := l.Name()
	if _, busy := rs.inFlight[name]; busy {
		return fmt.Errorf("%w: %s", ErrLoaderExists, name)
	}
	if _, exists := rs.loaders[name]; !exists && uint32(len(rs.loaders)) >= rs.config.MaxLoaderCount {
		return fmt.Errorf("%w: %d", ErrTooManyLoaders, rs.config.MaxLoaderCount)
	}
	if err := l.Start(rs.scheduler); err != nil {
		return fmt.Errorf("could not start loader '%s': %w", name, err)
	}
	rs.loaders[name] = l
	rs.inFlight[name] = l
	rs.status[name] = loaders.StatusLoading
	core.LogDebug("%s '%s' loading from %s", l.Type(), name, l.Path())
	return nil
}

// Reload restarts a finished loader.
func (rs *ResourceSystem) Reload(name string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	l, ok := rs.loaders[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoaderNotFound, name)
	}
	if _, busy := rs.inFlight[name]; busy {
		return fmt.Errorf("%w: %s", loaders.ErrLoaderBusy, name)
	}
	if err := l.Reset(); err != nil {
		return fmt.Errorf("could not reset loader '%s': %w", name, err)
	}
	if err := l.Start(rs.scheduler); err != nil {
		return fmt.Errorf("could not restart loader '%s': %w", name, err)
	}
	rs.inFlight[name] = l
	rs.status[name] = loaders.StatusLoading
	core.LogInfo("%s '%s' reloading", l.Type(), name)
	return nil
}

// ReloadPath restarts every loader reading the given file. A loader still
// in flight is restarted by Update once it finishes, since the file may have
// changed after it was read. It returns the number of loaders restarted or
// scheduled for restart.
func (rs *ResourceSystem) ReloadPath(path string) (int, error) {
	rs.mu.Lock()
	var names []string
	deferred := 0
	for name, l := range rs.loaders {
		if !samePath(l.Path(), path) {
			continue
		}
		if _, busy := rs.inFlight[name]; busy {
			rs.reloadPending[name] = true
			deferred++
			core.LogDebug("%s '%s' changed while loading, reload deferred", l.Type(), name)
			continue
		}
		names = append(names, name)
	}
	rs.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := rs.Reload(name); err != nil {
			errs = append(errs, err)
		}
	}
	return deferred + len(names) - len(errs), errors.Join(errs...)
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

/**
 * @brief Polls the in-flight loaders. Should happen once an update cycle.
 * @returns the names of the resources that finished loading and failed in this call.
 */
func (rs *ResourceSystem) Update() (loaded []string, failed []string) {
	rs.mu.Lock()
	var failedErrs []error
	var restart []string
	for name, l := range rs.inFlight {
		s := l.Poll()
		switch s {
		case loaders.StatusLoaded:
			loaded = append(loaded, name)
		case loaders.StatusErrorLoading:
			failed = append(failed, name)
			failedErrs = append(failedErrs, l.Err())
		default:
			continue
		}
		rs.status[name] = s
		delete(rs.inFlight, name)
		if rs.reloadPending[name] {
			delete(rs.reloadPending, name)
			restart = append(restart, name)
		}
	}
	rs.mu.Unlock()

	// listeners may call back into the resource system
	for _, name := range loaded {
		core.LogInfo("resource '%s' loaded", name)
		core.EventFire(core.EVENT_CODE_RESOURCE_LOADED, rs, core.EventContext{Name: name})
	}
	for i, name := range failed {
		core.LogError("resource '%s' failed to load: %v", name, failedErrs[i])
		core.EventFire(core.EVENT_CODE_RESOURCE_FAILED, rs, core.EventContext{Name: name, Err: failedErrs[i]})
	}
	for _, name := range restart {
		if err := rs.Reload(name); err != nil {
			core.LogError("deferred reload of '%s': %v", name, err)
		}
	}
	return loaded, failed
}

// Status returns the last polled status of a resource.
func (rs *ResourceSystem) Status(name string) (loaders.Status, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	s, ok := rs.status[name]
	return s, ok
}

func (rs *ResourceSystem) Get(name string) (loaders.Loader, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	l, ok := rs.loaders[name]
	return l, ok
}

// InFlight returns how many loaders have not finished yet.
func (rs *ResourceSystem) InFlight() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.inFlight)
}

// Shutdown waits up to timeout for the in-flight loaders, then polls them one
// last time.
func (rs *ResourceSystem) Shutdown(timeout time.Duration) error {
	rs.mu.Lock()
	clear(rs.reloadPending)
	pending := make([]loaders.Loader, 0, len(rs.inFlight))
	for _, l := range rs.inFlight {
		pending = append(pending, l)
	}
	rs.mu.Unlock()

	deadline := time.Now().Add(timeout)
	var errs []error
	for _, l := range pending {
		if err := l.Wait(time.Until(deadline)); err != nil {
			errs = append(errs, fmt.Errorf("loader '%s': %w", l.Name(), err))
		}
	}
	rs.Update()
	return errors.Join(errs...)
}
