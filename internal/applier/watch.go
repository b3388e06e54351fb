package applier

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"rumikernel/internal/approval"
	"rumikernel/internal/logging"
)

// Watcher watches the live packs directory for filesystem changes that
// happen outside of Apply — a pack's installed files edited or replaced
// directly on disk, bypassing the applier entirely — and demotes the
// affected pack to Modified as soon as it happens, rather than waiting for
// the next explicit VerifyHash call to notice the hash mismatch.
type Watcher struct {
	packsDir string
	approval *approval.Manager
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool
	stopped chan struct{}
}

// NewWatcher starts an fsnotify watch on packsDir and every pack directory
// one level beneath it. approvalMgr must be non-nil; there is nothing
// useful to do with a hot-reload event without it.
func NewWatcher(packsDir string, approvalMgr *approval.Manager) (*Watcher, error) {
	if approvalMgr == nil {
		return nil, errors.New("applier: NewWatcher requires a non-nil approval manager")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{packsDir: packsDir, approval: approvalMgr, fsw: fsw, watched: map[string]bool{}, stopped: make(chan struct{})}
	if err := w.addWatch(packsDir); err != nil {
		fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(packsDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.addWatch(filepath.Join(packsDir, e.Name()))
			}
		}
	}
	return w, nil
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

// Run processes filesystem events until Stop is called. It is meant to run
// on its own goroutine for the lifetime of the kernel process.
func (w *Watcher) Run() {
	log := logging.For("applier.watch")
	for {
		select {
		case <-w.stopped:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("fsnotify watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.packsDir, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	packID := strings.Split(filepath.ToSlash(rel), "/")[0]
	if packID == "" {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addWatch(ev.Name)
		}
	}

	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}
	if _, ok := w.approval.GetApproval(packID); !ok {
		return
	}
	w.approval.MarkModified(packID)
}

// Stop closes the underlying fsnotify watcher and ends Run.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
	return w.fsw.Close()
}
