package renderer

// RendererBackend issues the actual draw calls. BeginFrame and EndFrame
// run on the render worker.
type RendererBackend interface {
	Initialize(appName string) error
	Shutdown() error
	BeginFrame(frame uint64, deltaTime float64) error
	EndFrame(frame uint64, deltaTime float64) error
}

// NullBackend accepts every frame. Used when no graphics API is attached.
type NullBackend struct{}

func (NullBackend) Initialize(string) error { return nil }
func (NullBackend) Shutdown() error { return nil }
func (NullBackend) BeginFrame(uint64, float64) error { return nil }
func (NullBackend) EndFrame(uint64, float64) error { return nil }
