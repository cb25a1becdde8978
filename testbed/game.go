package testbed

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/anima-jobs/engine"
	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/jobs"
	"github.com/spaghettifunk/anima-jobs/engine/renderer"
	"github.com/spaghettifunk/anima-jobs/engine/systems"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	DeltaTime float64

	systems      *systems.SystemManager
	sceneModels  []string
	loaded       map[string]bool
	drawCalls    atomic.Uint64
	uiCalls      atomic.Uint64
	statsJob     *jobs.Job
	modelsLoaded bool
}

// NewTestGame returns a game that loads the given model assets, relative
// to the configured assets directory, and draws one command per loaded
// model every frame.
func NewTestGame(models ...string) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			Backend: renderer.NullBackend{},
			State: &gameState{
				sceneModels: models,
				loaded:      make(map[string]bool),
			},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(sm *systems.SystemManager) error {
	core.LogInfo("initializing testbed...")

	state := g.state()
	state.systems = sm

	core.EventRegister(core.EVENT_CODE_RESOURCE_LOADED, g, g.onEvent)
	core.EventRegister(core.EVENT_CODE_RESOURCE_FAILED, g, g.onEvent)
	core.EventRegister(core.EVENT_CODE_FRAME_DROPPED, g, g.onEvent)

	for _, path := range state.sceneModels {
		if _, err := sm.ResourceSystem.LoadAsset(path, path, loaders.ResourceTypeModel); err != nil {
			return fmt.Errorf("failed to load model '%s': %w", path, err)
		}
	}

	// Stats are printed from the main pool, on the main thread.
	state.statsJob = jobs.New("testbed-stats", func(ctx context.Context) error {
		core.LogDebug("testbed: %d draw calls, %d ui calls", state.drawCalls.Load(), state.uiCalls.Load())
		return nil
	})
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.DeltaTime = deltaTime

	if !state.modelsLoaded && len(state.loaded) == len(state.sceneModels) {
		state.modelsLoaded = true
		core.LogInfo("testbed: all %d models loaded", len(state.sceneModels))
	}

	if s := state.statsJob.State(); s == jobs.StateNotStarted || s.IsTerminal() {
		if err := state.statsJob.Reset(); err != nil {
			return err
		}
		if err := state.systems.JobSystem.ScheduleJob(state.statsJob, jobs.PoolMain); err != nil {
			return err
		}
	}
	return nil
}

func (g *TestGame) Render(r *renderer.Renderer, deltaTime float64) error {
	state := g.state()
	for range state.loaded {
		r.Submit(func() error {
			state.drawCalls.Add(1)
			return nil
		})
	}
	r.SubmitUI(func() error {
		state.uiCalls.Add(1)
		return nil
	})
	return nil
}

func (g *TestGame) Shutdown() error {
	core.EventUnregister(core.EVENT_CODE_RESOURCE_LOADED, g)
	core.EventUnregister(core.EVENT_CODE_RESOURCE_FAILED, g)
	core.EventUnregister(core.EVENT_CODE_FRAME_DROPPED, g)
	state := g.state()
	core.LogInfo("testbed shutdown: %d draw calls, %d ui calls", state.drawCalls.Load(), state.uiCalls.Load())
	return nil
}

// DrawCalls returns the number of executed model draw commands.
func (g *TestGame) DrawCalls() uint64 {
	return g.state().drawCalls.Load()
}

func (g *TestGame) UICalls() uint64 {
	return g.state().uiCalls.Load()
}

func (g *TestGame) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	state := g.state()
	switch code {
	case core.EVENT_CODE_RESOURCE_LOADED:
		state.loaded[data.Name] = true
		core.LogInfo("testbed: '%s' loaded", data.Name)
	case core.EVENT_CODE_RESOURCE_FAILED:
		core.LogError("testbed: '%s' failed: %v", data.Name, data.Err)
	case core.EVENT_CODE_FRAME_DROPPED:
		core.LogWarn("testbed: frame %d dropped: %v", data.Frame, data.Err)
	}
	return false
}
