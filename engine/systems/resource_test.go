package systems

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

func newTestResourceSystem(t *testing.T, base string, maxLoaders uint32) *ResourceSystem {
	t.Helper()
	js := newTestJobSystem(t, nil)
	rs, err := NewResourceSystem(ResourceSystemConfig{MaxLoaderCount: maxLoaders, AssetBasePath: base}, js)
	if err != nil {
		t.Fatal(err)
	}
	if err := rs.RegisterLoaderFactory(loaders.ResourceTypeModel, func(name, path string) loaders.Loader {
		return loaders.NewModelLoader(loaders.ModelLoaderConfig{Name: name, Path: path})
	}); err != nil {
		t.Fatal(err)
	}
	return rs
}

// pollUntilIdle calls Update like the frame loop does until nothing is in flight.
func pollUntilIdle(t *testing.T, rs *ResourceSystem) (loaded, failed []string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for rs.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d loaders still in flight", rs.InFlight())
		}
		l, f := rs.Update()
		loaded = append(loaded, l...)
		failed = append(failed, f...)
		time.Sleep(time.Millisecond)
	}
	return loaded, failed
}

func TestResourceSystem_LoadFiresEvents(t *testing.T) {
	core.EventInitialize()
	t.Cleanup(func() { _ = core.EventShutdown() })

	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "cube.obj"), []byte("v 0 0 0"), 0o644); err != nil {
		t.Fatal(err)
	}
	rs := newTestResourceSystem(t, base, 8)

	events := map[core.SystemEventCode][]string{}
	listener := func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		events[code] = append(events[code], data.Name)
		return false
	}
	core.EventRegister(core.EVENT_CODE_RESOURCE_LOADED, t, listener)
	core.EventRegister(core.EVENT_CODE_RESOURCE_FAILED, t, listener)

	if _, err := rs.LoadAsset("cube", "cube.obj", loaders.ResourceTypeModel); err != nil {
		t.Fatal(err)
	}
	if _, err := rs.LoadAsset("ghost", "ghost.obj", loaders.ResourceTypeModel); err != nil {
		t.Fatal(err)
	}
	if _, err := rs.LoadAsset("cube", "cube.obj", loaders.ResourceTypeModel); !errors.Is(err, ErrLoaderExists) {
		t.Errorf("loading an in-flight name error = %v, want %v", err, ErrLoaderExists)
	}

	loaded, failed := pollUntilIdle(t, rs)
	if len(loaded) != 1 || loaded[0] != "cube" || len(failed) != 1 || failed[0] != "ghost" {
		t.Fatalf("loaded = %v, failed = %v", loaded, failed)
	}
	if got := events[core.EVENT_CODE_RESOURCE_LOADED]; len(got) != 1 || got[0] != "cube" {
		t.Errorf("loaded events = %v", got)
	}
	if got := events[core.EVENT_CODE_RESOURCE_FAILED]; len(got) != 1 || got[0] != "ghost" {
		t.Errorf("failed events = %v", got)
	}
	if s, _ := rs.Status("cube"); s != loaders.StatusLoaded {
		t.Errorf("Status(cube) = %s", s)
	}
	if s, _ := rs.Status("ghost"); s != loaders.StatusErrorLoading {
		t.Errorf("Status(ghost) = %s", s)
	}
}

func TestResourceSystem_Errors(t *testing.T) {
	rs := newTestResourceSystem(t, t.TempDir(), 1)

	if _, err := rs.LoadAsset("tex", "a.png", loaders.ResourceTypeTexture); !errors.Is(err, ErrNoLoaderFactory) {
		t.Errorf("LoadAsset(texture) error = %v, want %v", err, ErrNoLoaderFactory)
	}
	if err := rs.RegisterLoaderFactory(loaders.ResourceTypeModel, nil); !errors.Is(err, ErrFactoryRegistered) {
		t.Errorf("RegisterLoaderFactory twice error = %v, want %v", err, ErrFactoryRegistered)
	}
	if _, err := rs.LoadAsset("a", "a.obj", loaders.ResourceTypeModel); err != nil {
		t.Fatal(err)
	}
	if _, err := rs.LoadAsset("b", "b.obj", loaders.ResourceTypeModel); !errors.Is(err, ErrTooManyLoaders) {
		t.Errorf("LoadAsset over capacity error = %v, want %v", err, ErrTooManyLoaders)
	}
	if err := rs.Reload("b"); !errors.Is(err, ErrLoaderNotFound) {
		t.Errorf("Reload(unknown) error = %v, want %v", err, ErrLoaderNotFound)
	}
	if _, err := NewResourceSystem(ResourceSystemConfig{}, nil); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("NewResourceSystem(zero config) error = %v, want %v", err, core.ErrInvalidConfig)
	}
	pollUntilIdle(t, rs)
}

func TestResourceSystem_ReloadPath(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "ship.obj")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	rs := newTestResourceSystem(t, base, 8)

	if _, err := rs.LoadAsset("ship", "ship.obj", loaders.ResourceTypeModel); err != nil {
		t.Fatal(err)
	}
	pollUntilIdle(t, rs)

	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := rs.ReloadPath(path)
	if err != nil || n != 1 {
		t.Fatalf("ReloadPath() = %d, %v, want 1, nil", n, err)
	}
	if n, _ := rs.ReloadPath(filepath.Join(base, "other.obj")); n != 0 {
		t.Errorf("ReloadPath(unrelated) = %d, want 0", n)
	}
	loaded, _ := pollUntilIdle(t, rs)
	if len(loaded) != 1 {
		t.Fatalf("loaded after reload = %v", loaded)
	}

	l, ok := rs.Get("ship")
	if !ok {
		t.Fatal("Get(ship) not found")
	}
	m, err := l.(*loaders.ModelLoader).Model()
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Meshes[0].Data) != "new" || m.Generation != 2 {
		t.Errorf("reloaded model data = %q, generation = %d", m.Meshes[0].Data, m.Generation)
	}
}

func TestResourceSystem_ShutdownWaitsForLoaders(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"a.obj", "b.obj", "c.obj"} {
		if err := os.WriteFile(filepath.Join(base, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	rs := newTestResourceSystem(t, base, 8)
	for _, name := range []string{"a.obj", "b.obj", "c.obj"} {
		if _, err := rs.LoadAsset(name, name, loaders.ResourceTypeModel); err != nil {
			t.Fatal(err)
		}
	}
	if err := rs.Shutdown(testTimeout); err != nil {
		t.Fatal(err)
	}
	if rs.InFlight() != 0 {
		t.Errorf("InFlight = %d after Shutdown, want 0", rs.InFlight())
	}
}

func TestResourceSystem_ChangeDuringLoadReloadsAfterwards(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "ship.obj")
	if err := os.WriteFile(path, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	rs := newTestResourceSystem(t, base, 8)

	release := make(chan struct{})
	var runs atomic.Int32
	var lastData atomic.Value
	l := loaders.NewModelLoader(loaders.ModelLoaderConfig{
		Name: "ship",
		Path: path,
		Process: func(name string, raw []byte) ([]loaders.Mesh, error) {
			runs.Add(1)
			<-release
			lastData.Store(string(raw))
			return loaders.SingleMesh(name, raw)
		},
	})
	if err := rs.Load(l); err != nil {
		t.Fatal(err)
	}

	// The editor writes the file twice while the first load is running.
	if err := os.WriteFile(path, []byte("full"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		n, err := rs.ReloadPath(path)
		if err != nil || n != 1 {
			t.Fatalf("ReloadPath() during load = %d, %v, want 1, nil", n, err)
		}
	}
	close(release)

	loaded, failed := pollUntilIdle(t, rs)
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded = %v, want the first load and one deferred reload", loaded)
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("process ran %d times, want 2", got)
	}
	if got := lastData.Load(); got != "full" {
		t.Errorf("last processed data = %v, want the final file contents", got)
	}
	m, err := l.Model()
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Meshes[0].Data) != "full" || m.Generation != 2 {
		t.Errorf("model data = %q, generation = %d", m.Meshes[0].Data, m.Generation)
	}
}
