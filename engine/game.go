package engine

import (
	"github.com/spaghettifunk/anima-jobs/engine/renderer"
	"github.com/spaghettifunk/anima-jobs/engine/systems"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

type Game struct {
	State interface{}
	// Renderer backend. NullBackend when nil.
	Backend renderer.RendererBackend
	// Loader factories replacing the default model and texture loaders.
	LoaderFactories map[loaders.ResourceType]systems.LoaderFactory

	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnShutdown   Shutdown
}

type Initialize func(sm *systems.SystemManager) error

// Update runs on the main thread once per frame, before rendering.
type Update func(deltaTime float64) error

// Render records the commands of the next frame.
type Render func(r *renderer.Renderer, deltaTime float64) error

type Shutdown func() error
