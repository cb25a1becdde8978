package renderer

import "sync/atomic"

// RenderCommand is one unit of work recorded by the main thread and
// executed on the render worker.
type RenderCommand func() error

// CommandBuffer holds the commands of one frame. The main thread writes the
// next buffer while the render worker reads the current one.
type CommandBuffer struct {
	Frame     uint64
	DeltaTime float64

	commands   []RenderCommand
	uiCommands []RenderCommand

	// overlap detection between the two sides
	readers atomic.Int32
	writers atomic.Int32
}

func (b *CommandBuffer) Add(cmd RenderCommand) {
	b.commands = append(b.commands, cmd)
}

func (b *CommandBuffer) AddUI(cmd RenderCommand) {
	b.uiCommands = append(b.uiCommands, cmd)
}

// Len returns the number of frame and UI commands.
func (b *CommandBuffer) Len() int {
	return len(b.commands) + len(b.uiCommands)
}

func (b *CommandBuffer) reset(frame uint64) {
	clear(b.commands)
	clear(b.uiCommands)
	b.commands = b.commands[:0]
	b.uiCommands = b.uiCommands[:0]
	b.Frame = frame
	b.DeltaTime = 0
}
