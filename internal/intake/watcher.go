// Package intake collects run submissions from the passive surfaces: a
// drop directory watched for request files, and cron schedules. Both feed
// the same SubmitFunc the API uses, so every intake path shares one
// validation and run-creation code path.
package intake

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
)

// SubmitFunc accepts a validated run request and returns the created run
type SubmitFunc func(req engine.RunRequest) (*domain.Run, error)

// Watcher monitors a drop directory for run request files. A request is a
// small YAML file; once submitted it is renamed with a .done suffix so a
// restart does not resubmit it.
type Watcher struct {
	dir      string
	submit   SubmitFunc
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	cancel context.CancelFunc
}

// NewWatcher creates a drop-directory watcher
func NewWatcher(dir string, submit SubmitFunc) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating drop dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		dir:      dir,
		submit:   submit,
		watcher:  fw,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching. Requests already sitting in the directory are
// picked up immediately.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.scanExisting()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[intake] watch error: %v", err)
			}
		}
	}()
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[intake] scanning %s: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() && isRequestFile(e.Name()) {
			w.enqueue(filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !isRequestFile(filepath.Base(event.Name)) {
		return
	}
	w.enqueue(event.Name)
}

// enqueue debounces rapid writes so a request is read once its file is at
// rest.
func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for _, p := range paths {
		w.processFile(p)
	}
}

func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[intake] reading %s: %v", path, err)
		}
		return
	}

	var req engine.RunRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		log.Printf("[intake] %s is not a valid run request: %v", filepath.Base(path), err)
		w.markDone(path, "invalid")
		return
	}

	run, err := w.submit(req)
	if err != nil {
		log.Printf("[intake] submitting %s: %v", filepath.Base(path), err)
		w.markDone(path, "invalid")
		return
	}

	log.Printf("[intake] %s submitted as run %s", filepath.Base(path), run.ID)
	w.markDone(path, "done")
}

// markDone renames a processed request so it is not picked up again
func (w *Watcher) markDone(path, suffix string) {
	if err := os.Rename(path, path+"."+suffix); err != nil {
		log.Printf("[intake] renaming %s: %v", path, err)
	}
}

func isRequestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
