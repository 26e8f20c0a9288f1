package completion

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/agentwarden/internal/logging"
)

// Watcher raises a coalesced signal whenever a completion summary is created
// or rewritten under root, so the poll loop can scan early instead of
// waiting for its next tick. Scans remain the source of truth; a missed
// event only delays processing until the next poll.
type Watcher struct {
	root     string
	nexusDir string
	logger   *logging.Logger
	debounce time.Duration

	fsw    *fsnotify.Watcher
	signal chan struct{}
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once

	started bool
}

// NewWatcher creates a watcher for completion summaries below root.
func NewWatcher(root, nexusDir string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		root:     root,
		nexusDir: nexusDir,
		logger:   logger.WithComponent("completion-watcher"),
		debounce: 100 * time.Millisecond,
		fsw:      fsw,
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// C delivers one value per burst of completion writes.
func (w *Watcher) C() <-chan struct{} { return w.signal }

// Start registers every directory inside a {nexusDir} tree below root and
// begins delivering signals.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != w.root && strings.HasPrefix(name, ".") && name != w.nexusDir {
			return filepath.SkipDir
		}
		if w.inNexusTree(path) {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Debug("watch directory failed", "path", path, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.started = true
	go w.loop()
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
		if w.started {
			<-w.done
		}
	})
}

func (w *Watcher) inNexusTree(path string) bool {
	sep := string(filepath.Separator)
	return filepath.Base(path) == w.nexusDir || strings.Contains(path, sep+w.nexusDir+sep)
}

func (w *Watcher) loop() {
	defer close(w.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := false

	for {
		select {
		case <-w.stopCh:
			timer.Stop()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.inNexusTree(event.Name) {
					_ = w.fsw.Add(event.Name)
					continue
				}
			}
			name := filepath.Base(event.Name)
			if !strings.HasPrefix(name, summaryPrefix) || !strings.HasSuffix(name, summarySuffix) {
				continue
			}
			pending = true
			timer.Reset(w.debounce)

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			select {
			case w.signal <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("completion watcher error", "error", err)
		}
	}
}
