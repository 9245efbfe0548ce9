package replay

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"panopticon/internal/domain"
)

// Recorder is the write side of the registry.
type Recorder interface {
	Record(ctx context.Context, sessionID, agentID, manifestURL string, frameCount int) (domain.Replay, error)
}

// Watcher records manifests as soon as they land under the replay root, so
// a run whose worker never reported replay:complete still shows up.
type Watcher struct {
	root     string
	registry Registry
	recorder Recorder
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	// OnRecord runs after a manifest was recorded.
	OnRecord func(domain.Replay)

	mu   sync.Mutex
	seen map[string]int
}

// NewWatcher watches registry.Root. rec defaults to the registry itself.
func NewWatcher(registry Registry, rec Recorder, logger *slog.Logger) (*Watcher, error) {
	if rec == nil {
		rec = registry
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(registry.Root, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     filepath.Clean(registry.Root),
		registry: registry,
		recorder: rec,
		logger:   logger.With("component", "replay-watcher"),
		watcher:  fw,
		seen:     map[string]int{},
	}
	if err := w.addTree(w.root, 0); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and the session/agent directories below it.
func (w *Watcher) addTree(dir string, depth int) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	if depth >= 2 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.addTree(filepath.Join(dir, e.Name()), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// depth is 1 for a session directory, 2 for an agent directory, 3 for a file
// inside an agent directory.
func (w *Watcher) depth(path string) (int, []string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return 0, nil
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return len(parts), parts
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching replay root", "root", w.root)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	depth, parts := w.depth(event.Name)
	switch {
	case depth == 1 || depth == 2:
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := w.addTree(event.Name, depth); err != nil {
			w.logger.Warn("watch directory failed", "path", event.Name, "err", err)
			return
		}
		// A manifest may already be there if the tree was copied in one go.
		w.scanExisting(ctx, event.Name, depth)
	case depth == 3 && parts[2] == ManifestFile:
		w.recordManifest(ctx, event.Name, parts[0], parts[1])
	}
}

func (w *Watcher) scanExisting(ctx context.Context, dir string, depth int) {
	if depth == 2 {
		_, parts := w.depth(dir)
		path := filepath.Join(dir, ManifestFile)
		if _, err := os.Stat(path); err == nil {
			w.recordManifest(ctx, path, parts[0], parts[1])
		}
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.scanExisting(ctx, filepath.Join(dir, e.Name()), depth+1)
		}
	}
}

func (w *Watcher) recordManifest(ctx context.Context, path, sessionID, agentID string) {
	m, err := ReadManifest(path)
	if err != nil {
		// partially written; the next write event retries
		w.logger.Debug("manifest not readable yet", "path", path, "err", err)
		return
	}
	w.mu.Lock()
	if n, ok := w.seen[path]; ok && n == m.FrameCount {
		w.mu.Unlock()
		return
	}
	w.seen[path] = m.FrameCount
	w.mu.Unlock()

	rp, err := w.recorder.Record(ctx, sessionID, agentID, w.registry.ManifestURL(sessionID, agentID), m.FrameCount)
	if err != nil {
		w.logger.Warn("record manifest failed", "path", path, "err", err)
		w.mu.Lock()
		delete(w.seen, path)
		w.mu.Unlock()
		return
	}
	if w.OnRecord != nil {
		w.OnRecord(rp)
	}
}
