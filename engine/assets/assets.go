package assets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-jobs/engine/core"
	"github.com/spaghettifunk/anima-jobs/engine/systems/loaders"
)

var ErrWatcherClosed = errors.New("asset watcher already closed")

type AssetInfo struct {
	Path     string
	Type     loaders.ResourceType
	Modified time.Time
}

// AssetManager indexes the asset directory and reports files that change
// on disk so their loaders can run again.
type AssetManager struct {
	assets map[string]AssetInfo
	mutex  sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	fsnotify  *fsnotify.Watcher
	isClosed  bool
	started   bool
	changes   chan AssetInfo
	stopped   chan struct{}
}

// NewAssetManager creates the watcher. changes are buffered up to
// bufferSize; when the buffer is full further changes are dropped and
// logged.
func NewAssetManager(bufferSize int) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &AssetManager{
		assets:   make(map[string]AssetInfo),
		fsnotify: fsWatch,
		changes:  make(chan AssetInfo, bufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

func (am *AssetManager) Initialize(assetsDir string) error {
	if err := am.addRecursive(assetsDir); err != nil {
		return err
	}
	am.mutex.Lock()
	am.started = true
	am.mutex.Unlock()
	go am.start()
	core.LogInfo("Watching assets in '%s' (%d indexed).", assetsDir, am.Count())
	return nil
}

// Changes delivers the assets created or modified since Initialize.
func (am *AssetManager) Changes() <-chan AssetInfo {
	return am.changes
}

// Drain returns the pending changes without blocking, one entry per path.
func (am *AssetManager) Drain() []AssetInfo {
	seen := make(map[string]bool)
	var out []AssetInfo
	for {
		select {
		case info := <-am.changes:
			if !seen[info.Path] {
				seen[info.Path] = true
				out = append(out, info)
			}
		default:
			return out
		}
	}
}

func (am *AssetManager) Get(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[filepath.Clean(path)]
	return info, ok
}

func (am *AssetManager) Count() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

// AddRecursive starts watching the named directory and all sub-directories.
func (am *AssetManager) addRecursive(name string) error {
	am.mutex.RLock()
	closed := am.isClosed
	am.mutex.RUnlock()
	if closed {
		return ErrWatcherClosed
	}
	return am.watchRecursive(name)
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("could not watch new directory '%s': %v", e.Name, err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if info, ok := am.handleFileEvent(e.Name); ok {
					am.publish(info)
				}
			}
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %v", err)

		case <-am.done:
			return
		}
	}
}

func (am *AssetManager) publish(info AssetInfo) {
	select {
	case am.changes <- info:
		core.EventFire(core.EVENT_CODE_ASSET_CHANGED, am, core.EventContext{Name: info.Path, Data: info})
	default:
		core.LogWarn("asset change buffer full, dropping change of '%s'", info.Path)
	}
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found.
// A file created in a new directory before its watch is added is only
// picked up by the walk, not reported as a change.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) (AssetInfo, bool) {
	assetType := DetermineAssetType(path)
	if assetType == loaders.ResourceTypeNone {
		return AssetInfo{}, false
	}

	info := AssetInfo{
		Path:     filepath.Clean(path),
		Type:     assetType,
		Modified: time.Now(),
	}
	am.mutex.Lock()
	am.assets[info.Path] = info
	am.mutex.Unlock()
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func (am *AssetManager) Shutdown() error {
	var err error
	am.closeOnce.Do(func() {
		am.mutex.Lock()
		am.isClosed = true
		started := am.started
		am.mutex.Unlock()

		close(am.done)
		err = am.fsnotify.Close()
		if started {
			<-am.stopped
		}
	})
	return err
}

func DetermineAssetType(path string) loaders.ResourceType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tga", ".png", ".jpg", ".jpeg":
		return loaders.ResourceTypeTexture
	case ".obj", ".ksm", ".gltf", ".glb", ".fbx":
		return loaders.ResourceTypeModel
	default:
		return loaders.ResourceTypeNone
	}
}
