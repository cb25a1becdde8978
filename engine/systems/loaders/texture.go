package loaders

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/jobs"
)

type Texture struct {
	Name         string
	Path         string
	Width        uint32
	Height       uint32
	ChannelCount uint8
	Pixels       []byte
	Generation   uint32
}

// DecodeFunc fills the texture from the raw file. It runs on the resource pool.
type DecodeFunc func(raw []byte, texture *Texture) error

// TextureUploadFunc creates the GPU texture. It runs on the render pool.
type TextureUploadFunc func(texture *Texture) error

// RawPixels treats the file as a single row of RGBA pixels.
func RawPixels(raw []byte, texture *Texture) error {
	if len(raw) == 0 {
		return ErrEmptyFile
	}
	texture.ChannelCount = 4
	texture.Width = uint32(len(raw) / 4)
	texture.Height = 1
	texture.Pixels = raw
	return nil
}

type TextureLoaderConfig struct {
	Name   string
	Path   string
	Decode DecodeFunc
	Upload TextureUploadFunc
	// Bound on the wait for the file read. 0 means 5 seconds.
	ReadTimeout time.Duration
}

// TextureLoader reads the file on the background pool while its load job
// waits for it on the resource pool, then uploads on the render pool.
type TextureLoader struct {
	name        string
	path        string
	decode      DecodeFunc
	upload      TextureUploadFunc
	readTimeout time.Duration

	mu        sync.Mutex
	scheduler Scheduler
	raw       []byte
	texture   *Texture

	loadTextureJob   *jobs.Job
	readFileJob      *jobs.Job
	uploadTextureJob *jobs.Job
}

func NewTextureLoader(config TextureLoaderConfig) *TextureLoader {
	l := &TextureLoader{
		name:        config.Name,
		path:        config.Path,
		decode:      config.Decode,
		upload:      config.Upload,
		readTimeout: config.ReadTimeout,
		texture:     &Texture{Name: config.Name, Path: config.Path},
	}
	if l.decode == nil {
		l.decode = RawPixels
	}
	if l.readTimeout <= 0 {
		l.readTimeout = 5 * time.Second
	}

	l.loadTextureJob = jobs.New("load-texture:"+l.name, l.loadTexture)
	l.readFileJob = jobs.New("read-texture:"+l.name, l.readFile)
	l.uploadTextureJob = jobs.New("upload-texture:"+l.name, l.uploadTexture)
	_ = l.uploadTextureJob.DependsOn(l.loadTextureJob)
	return l
}

func (l *TextureLoader) Name() string { return l.name }
func (l *TextureLoader) Path() string { return l.path }
func (l *TextureLoader) Type() ResourceType { return ResourceTypeTexture }

func (l *TextureLoader) Start(s Scheduler) error {
	if s == nil {
		return ErrNoScheduler
	}
	l.mu.Lock()
	l.scheduler = s
	l.mu.Unlock()
	return s.ScheduleJob(l.loadTextureJob, jobs.PoolResource)
}

func (l *TextureLoader) readFile(ctx context.Context) error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.raw = raw
	l.mu.Unlock()
	return nil
}

func (l *TextureLoader) loadTexture(ctx context.Context) error {
	l.mu.Lock()
	s := l.scheduler
	l.mu.Unlock()

	if err := l.readFileJob.Reset(); err != nil {
		return err
	}
	if err := s.ScheduleJob(l.readFileJob, jobs.PoolBackground); err != nil {
		return err
	}
	joinCtx, cancel := context.WithTimeout(ctx, l.readTimeout)
	defer cancel()
	if err := l.readFileJob.JoinContext(joinCtx); err != nil {
		return fmt.Errorf("waiting for texture '%s' to be read: %w", l.name, err)
	}
	if l.readFileJob.HasErrors() {
		return fmt.Errorf("could not read texture '%s': %w", l.name, l.readFileJob.Err())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	decoded := &Texture{Name: l.name, Path: l.path, Generation: l.texture.Generation}
	if err := l.decode(l.raw, decoded); err != nil {
		return fmt.Errorf("could not decode texture '%s': %w", l.name, err)
	}
	l.raw = nil
	l.texture = decoded
	core.LogDebug("texture '%s' decoded (%dx%d)", l.name, decoded.Width, decoded.Height)
	return s.ScheduleJob(l.uploadTextureJob, jobs.PoolRender)
}

func (l *TextureLoader) uploadTexture(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.upload != nil {
		if err := l.upload(l.texture); err != nil {
			return fmt.Errorf("could not upload texture '%s': %w", l.name, err)
		}
	}
	l.texture.Generation++
	return nil
}

func (l *TextureLoader) Poll() Status {
	return chainStatus(l.loadTextureJob, l.uploadTextureJob)
}

func (l *TextureLoader) Err() error {
	return chainErr(l.loadTextureJob, l.uploadTextureJob)
}

func (l *TextureLoader) Reset() error {
	return chainReset(l.loadTextureJob, l.readFileJob, l.uploadTextureJob)
}

func (l *TextureLoader) Wait(timeout time.Duration) error {
	return chainWait(timeout, l.loadTextureJob, l.uploadTextureJob)
}

// Texture returns the texture once it is uploaded.
func (l *TextureLoader) Texture() (*Texture, error) {
	if l.Poll() != StatusLoaded {
		return nil, fmt.Errorf("%w: texture '%s'", ErrNotLoaded, l.name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.texture, nil
}
