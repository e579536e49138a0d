package coordinator

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// PauseController gates task dispatch. Pause holds new dispatches at a
// barrier; Resume lifts it; Stop unblocks every waiter for good, used
// when the engine drains.
type PauseController struct {
	paused  bool
	stopped bool
	mu      sync.RWMutex
	cond    *sync.Cond
}

func NewPauseController() *PauseController {
	p := &PauseController{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause stops new task dispatch. Work already past the barrier runs on.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		log.Printf("[coordinator] paused, no new tasks will start")
	}
}

// Resume lifts the pause barrier.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		log.Printf("[coordinator] resumed, task dispatch enabled")
		p.cond.Broadcast()
	}
}

// Stop permanently unblocks all WaitIfPaused callers with an error.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cond.Broadcast()
	}
}

// IsPaused reports whether the barrier is down.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped reports whether Stop was called.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// WaitIfPaused blocks while the controller is paused. It returns the
// context error if the context ends first, or an error after Stop.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	if p.paused && !p.stopped {
		// one goroutine to wake the wait when the context dies
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		for p.paused && !p.stopped {
			p.cond.Wait()
			if ctx.Err() != nil {
				close(done)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		close(done)
	}
	if p.stopped {
		p.mu.Unlock()
		return errors.New("dispatch stopped")
	}
	p.mu.Unlock()
	return nil
}

// Signal file names honored in the signals directory.
const (
	SignalStop   = "stop"
	SignalPause  = "pause"
	SignalResume = "resume"
)

// SignalHooks receives control actions from dropped signal files.
type SignalHooks struct {
	OnStop   func()
	OnPause  func()
	OnResume func()
}

// SignalWatcher turns drop files into engine control: touching stop,
// pause or resume in the watched directory fires the matching hook.
// Processed files are removed; unknown names are left alone.
type SignalWatcher struct {
	dir   string
	hooks SignalHooks

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// DefaultSignalsDir returns the signal drop directory for a project root.
func DefaultSignalsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".nexus", "signals")
}

// NewSignalWatcher watches dir for signal files. Files already present
// are processed immediately. If the filesystem watcher cannot start,
// the watcher still works through explicit Scan calls.
func NewSignalWatcher(dir string, hooks SignalHooks) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &SignalWatcher{
		dir:   dir,
		hooks: hooks,
		done:  make(chan struct{}),
	}

	w.Scan()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - callers fall back to Scan
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return w, nil
	}
	w.watcher = fsw

	w.wg.Add(1)
	go w.watchLoop()

	return w, nil
}

func (w *SignalWatcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				w.processFile(event.Name)
			}
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// Scan processes any signal files currently in the directory. It is the
// polling fallback when no filesystem watcher is available.
func (w *SignalWatcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *SignalWatcher) processFile(path string) {
	var hook func()
	name := strings.ToLower(filepath.Base(path))
	switch name {
	case SignalStop:
		hook = w.hooks.OnStop
	case SignalPause:
		hook = w.hooks.OnPause
	case SignalResume:
		hook = w.hooks.OnResume
	default:
		return
	}

	os.Remove(path)
	log.Printf("[coordinator] signal %q received", name)
	if hook != nil {
		hook()
	}
}

// Dir returns the watched directory.
func (w *SignalWatcher) Dir() string {
	return w.dir
}

// Close stops the watcher.
func (w *SignalWatcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}
