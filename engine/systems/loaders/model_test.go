package loaders

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/spaghettifunk/anima-jobs/engine/jobs"
)

func TestModelLoader_StagesRunInOrderOnTheirPools(t *testing.T) {
	s := newTestScheduler(t)
	path := writeAsset(t, "cube.obj", "v 0 0 0")

	var mu sync.Mutex
	var trace []string
	l := NewModelLoader(ModelLoaderConfig{
		Name: "cube",
		Path: path,
		Process: func(name string, raw []byte) ([]Mesh, error) {
			mu.Lock()
			trace = append(trace, "process:"+string(raw))
			mu.Unlock()
			return SingleMesh(name, raw)
		},
		Upload: func(model *Model) error {
			mu.Lock()
			trace = append(trace, "upload:"+model.Meshes[0].Name)
			mu.Unlock()
			return nil
		},
	})
	if err := l.Start(s); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(testTimeout); err != nil {
		t.Fatal(err)
	}
	if got := l.Poll(); got != StatusLoaded {
		t.Fatalf("Poll() = %s, want loaded (err %v)", got, l.Err())
	}

	stages := l.Stages()
	processPool, uploadPool := stages[1].Pool(), stages[2].Pool()
	if stages[0].Pool() != jobs.PoolResource || processPool != jobs.PoolBackground || uploadPool != jobs.PoolRender {
		t.Errorf("stage pools = %s, %s, %s", stages[0].Pool(), processPool, uploadPool)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(trace) != 2 || trace[0] != "process:v 0 0 0" || trace[1] != "upload:cube" {
		t.Fatalf("trace = %v", trace)
	}

	m, err := l.Model()
	if err != nil {
		t.Fatal(err)
	}
	if m.Generation != 1 || len(m.Meshes) != 1 {
		t.Errorf("model Generation = %d, %d meshes", m.Generation, len(m.Meshes))
	}
}

func TestModelLoader_StageFailures(t *testing.T) {
	errProcess := errors.New("bad mesh")
	errUpload := errors.New("out of memory")

	tests := []struct {
		name       string
		contents   string
		missing    bool
		process    ProcessFunc
		upload     UploadFunc
		want       error
		failedStep int
	}{
		{name: "missing file", missing: true, want: os.ErrNotExist, failedStep: 0},
		{name: "empty file", contents: "", want: ErrEmptyFile, failedStep: 1},
		{name: "process error", contents: "x", process: func(string, []byte) ([]Mesh, error) { return nil, errProcess }, want: errProcess, failedStep: 1},
		{name: "upload error", contents: "x", upload: func(*Model) error { return errUpload }, want: errUpload, failedStep: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t)
			path := "does-not-exist.obj"
			if !tt.missing {
				path = writeAsset(t, "model.obj", tt.contents)
			}
			l := NewModelLoader(ModelLoaderConfig{Name: "m", Path: path, Process: tt.process, Upload: tt.upload})
			if err := l.Start(s); err != nil {
				t.Fatal(err)
			}
			if err := l.Wait(testTimeout); err != nil {
				t.Fatal(err)
			}
			if got := l.Poll(); got != StatusErrorLoading {
				t.Fatalf("Poll() = %s, want error_loading", got)
			}
			if !errors.Is(l.Err(), tt.want) {
				t.Errorf("Err() = %v, want %v", l.Err(), tt.want)
			}
			for i, stage := range l.Stages() {
				switch {
				case i < tt.failedStep && !stage.IsDone():
					t.Errorf("stage %d State = %s, want done", i, stage.State())
				case i == tt.failedStep && !stage.HasErrors():
					t.Errorf("stage %d State = %s, want error", i, stage.State())
				case i > tt.failedStep && stage.State() != jobs.StateNotStarted:
					t.Errorf("stage %d State = %s, want not_started", i, stage.State())
				}
			}
			if _, err := l.Model(); !errors.Is(err, ErrNotLoaded) {
				t.Errorf("Model() error = %v, want %v", err, ErrNotLoaded)
			}
		})
	}
}

func TestModelLoader_Reload(t *testing.T) {
	s := newTestScheduler(t)
	path := writeAsset(t, "model.obj", "first")

	l := NewModelLoader(ModelLoaderConfig{Name: "m", Path: path})
	if err := l.Start(s); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(testTimeout); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(s); !errors.Is(err, jobs.ErrJobNotReset) {
		t.Fatalf("Start() without Reset error = %v, want %v", err, jobs.ErrJobNotReset)
	}
	if err := l.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := l.Poll(); got != StatusNotLoaded {
		t.Fatalf("Poll() after Reset = %s, want not_loaded", got)
	}
	if err := l.Start(s); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(testTimeout); err != nil {
		t.Fatal(err)
	}

	m, err := l.Model()
	if err != nil {
		t.Fatal(err)
	}
	if m.Generation != 2 || string(m.Meshes[0].Data) != "second" {
		t.Errorf("model Generation = %d, data = %q", m.Generation, m.Meshes[0].Data)
	}
}

func TestModelLoader_ReloadKeepsReturnedModel(t *testing.T) {
	s := newTestScheduler(t)
	path := writeAsset(t, "model.obj", "first")

	l := NewModelLoader(ModelLoaderConfig{Name: "m", Path: path})
	if err := l.Start(s); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(testTimeout); err != nil {
		t.Fatal(err)
	}
	m, err := l.Model()
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	var badReads int
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if m.Generation != 1 || len(m.Meshes) != 1 || string(m.Meshes[0].Data) != "first" {
				badReads++
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if err := l.Reset(); err != nil {
			t.Fatal(err)
		}
		if err := l.Start(s); err != nil {
			t.Fatal(err)
		}
		if err := l.Wait(testTimeout); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	<-readerDone

	if badReads != 0 {
		t.Errorf("previously returned model changed %d times during reloads", badReads)
	}
	latest, err := l.Model()
	if err != nil {
		t.Fatal(err)
	}
	if latest == m || latest.Generation != 51 {
		t.Errorf("latest model generation = %d, same pointer = %t", latest.Generation, latest == m)
	}
}
