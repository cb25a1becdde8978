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

type Mesh struct {
	Name string
	Data []byte
}

type Model struct {
	Name   string
	Path   string
	Meshes []Mesh
	// Incremented every time the model is uploaded.
	Generation uint32
}

// ProcessFunc turns the raw file into meshes. It runs on the background pool.
type ProcessFunc func(name string, raw []byte) ([]Mesh, error)

// UploadFunc hands processed meshes to the GPU. It runs on the render pool.
type UploadFunc func(model *Model) error

// SingleMesh keeps the whole file as one mesh.
func SingleMesh(name string, raw []byte) ([]Mesh, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyFile
	}
	return []Mesh{{Name: name, Data: raw}}, nil
}

type ModelLoaderConfig struct {
	Name    string
	Path    string
	Process ProcessFunc
	Upload  UploadFunc
}

// ModelLoader loads a model in three stages: the file is read on the
// resource pool, processed on the background pool and uploaded on the
// render pool. Each stage schedules the next one, which waits for it to be
// done.
type ModelLoader struct {
	name    string
	path    string
	process ProcessFunc
	upload  UploadFunc

	mu        sync.Mutex
	scheduler Scheduler
	raw       []byte
	// published model, never written once handed out
	model *Model
	// model being built by the current load
	pending *Model

	loadModelJob         *jobs.Job
	processModelJob      *jobs.Job
	uploadMeshesToGPUJob *jobs.Job
}

func NewModelLoader(config ModelLoaderConfig) *ModelLoader {
	l := &ModelLoader{
		name:    config.Name,
		path:    config.Path,
		process: config.Process,
		upload:  config.Upload,
		model:   &Model{Name: config.Name, Path: config.Path},
	}
	if l.process == nil {
		l.process = SingleMesh
	}

	l.loadModelJob = jobs.New("load-model:"+l.name, l.loadModel)
	l.processModelJob = jobs.New("process-model:"+l.name, l.processModel)
	l.uploadMeshesToGPUJob = jobs.New("upload-model:"+l.name, l.uploadMeshes)
	// Never fails: the jobs are not scheduled yet.
	_ = l.processModelJob.DependsOn(l.loadModelJob)
	_ = l.uploadMeshesToGPUJob.DependsOn(l.processModelJob)
	return l
}

func (l *ModelLoader) Name() string { return l.name }
func (l *ModelLoader) Path() string { return l.path }
func (l *ModelLoader) Type() ResourceType { return ResourceTypeModel }

func (l *ModelLoader) Start(s Scheduler) error {
	if s == nil {
		return ErrNoScheduler
	}
	l.mu.Lock()
	l.scheduler = s
	l.mu.Unlock()
	return s.ScheduleJob(l.loadModelJob, jobs.PoolResource)
}

func (l *ModelLoader) loadModel(ctx context.Context) error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("could not read model '%s': %w", l.name, err)
	}
	core.LogDebug("model '%s' read (%d bytes)", l.name, len(raw))

	l.mu.Lock()
	l.raw = raw
	s := l.scheduler
	l.mu.Unlock()
	return s.ScheduleJob(l.processModelJob, jobs.PoolBackground)
}

func (l *ModelLoader) processModel(ctx context.Context) error {
	l.mu.Lock()
	raw := l.raw
	s := l.scheduler
	l.mu.Unlock()

	meshes, err := l.process(l.name, raw)
	if err != nil {
		return fmt.Errorf("could not process model '%s': %w", l.name, err)
	}

	l.mu.Lock()
	l.pending = &Model{Name: l.name, Path: l.path, Meshes: meshes}
	// the file contents are no longer needed
	l.raw = nil
	l.mu.Unlock()
	return s.ScheduleJob(l.uploadMeshesToGPUJob, jobs.PoolRender)
}

func (l *ModelLoader) uploadMeshes(ctx context.Context) error {
	l.mu.Lock()
	model := l.pending
	model.Generation = l.model.Generation + 1
	l.mu.Unlock()

	if l.upload != nil {
		if err := l.upload(model); err != nil {
			return fmt.Errorf("could not upload model '%s': %w", l.name, err)
		}
	}

	l.mu.Lock()
	l.model = model
	l.pending = nil
	l.mu.Unlock()
	core.LogDebug("model '%s' uploaded with %d meshes", l.name, len(model.Meshes))
	return nil
}

func (l *ModelLoader) Poll() Status {
	return chainStatus(l.loadModelJob, l.processModelJob, l.uploadMeshesToGPUJob)
}

func (l *ModelLoader) Err() error {
	return chainErr(l.loadModelJob, l.processModelJob, l.uploadMeshesToGPUJob)
}

func (l *ModelLoader) Reset() error {
	return chainReset(l.loadModelJob, l.processModelJob, l.uploadMeshesToGPUJob)
}

func (l *ModelLoader) Wait(timeout time.Duration) error {
	return chainWait(timeout, l.loadModelJob, l.processModelJob, l.uploadMeshesToGPUJob)
}

// Model returns the model once every stage is done. A reload publishes a
// new *Model; the returned one is never modified.
func (l *ModelLoader) Model() (*Model, error) {
	if l.Poll() != StatusLoaded {
		return nil, fmt.Errorf("%w: model '%s'", ErrNotLoaded, l.name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model, nil
}

// Stages exposes the jobs of the chain in execution order.
func (l *ModelLoader) Stages() []*jobs.Job {
	return []*jobs.Job{l.loadModelJob, l.processModelJob, l.uploadMeshesToGPUJob}
}
