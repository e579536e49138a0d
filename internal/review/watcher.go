package review

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	approveExt = ".approve"
	rejectExt  = ".reject"
)

// Decider applies human decisions. The review Service satisfies it.
type Decider interface {
	Approve(reviewID, resolution string) error
	Reject(reviewID, feedback string) error
}

// Watcher turns decision files into review resolutions. Dropping
// <review-id>.approve or <review-id>.reject into the watched directory
// decides that review; the file body is the resolution or feedback
// text. Processed files are removed.
type Watcher struct {
	dir     string
	decider Decider

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// DefaultDecisionsDir returns the decision drop directory for a project root.
func DefaultDecisionsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".nexus", "reviews")
}

// NewWatcher watches dir for decision files. Files already present are
// processed immediately, so decisions dropped while no run was active
// still land. If the filesystem watcher cannot start, the Watcher
// still works through explicit Scan calls.
func NewWatcher(dir string, decider Decider) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		decider: decider,
		done:    make(chan struct{}),
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

// watchLoop reacts to decision files as they appear.
func (w *Watcher) watchLoop() {
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

// Scan processes any decision files currently in the directory. It is
// the polling fallback when no filesystem watcher is available.
func (w *Watcher) Scan() {
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

// processFile decides the review named by one drop file.
func (w *Watcher) processFile(path string) {
	ext := filepath.Ext(path)
	if ext != approveExt && ext != rejectExt {
		return
	}
	reviewID := strings.TrimSuffix(filepath.Base(path), ext)
	if reviewID == "" {
		return
	}

	body, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by a competing event
		return
	}
	text := strings.TrimSpace(string(body))

	if ext == approveExt {
		err = w.decider.Approve(reviewID, text)
	} else {
		err = w.decider.Reject(reviewID, text)
	}
	if err != nil && !errors.Is(err, ErrAlreadyResolved) {
		log.Printf("[review] decision file %s: %v", filepath.Base(path), err)
		if errors.Is(err, ErrFeedbackRequired) {
			// Leave the file so the operator can add the missing text
			return
		}
	}

	os.Remove(path)
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}
