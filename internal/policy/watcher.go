package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadedEvent represents a bundle reload
type ReloadedEvent struct {
	Timestamp time.Time
	Result    *SyncResult
	Error     error
}

// FileWatcher monitors a bundle directory and re-applies it on change
type FileWatcher struct {
	watcher         *fsnotify.Watcher
	path            string
	loader          *Loader
	syncer          *Syncer
	logger          *zap.Logger
	debounceTimeout time.Duration
	debounceTimer   *time.Timer
	eventChan       chan ReloadedEvent
	stopChan        chan struct{}
	ctx             context.Context
	mu              sync.RWMutex
	isWatching      bool
	stopped         bool
}

// NewFileWatcher creates a new file watcher for a bundle directory
func NewFileWatcher(path string, loader *Loader, syncer *Syncer, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:         watcher,
		path:            path,
		loader:          loader,
		syncer:          syncer,
		logger:          logger,
		debounceTimeout: 500 * time.Millisecond,
		eventChan:       make(chan ReloadedEvent, 10),
		stopChan:        make(chan struct{}),
	}, nil
}

// Watch starts watching the directory for changes
func (fw *FileWatcher) Watch(ctx context.Context) error {
	fw.mu.Lock()
	if fw.isWatching {
		fw.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	fw.isWatching = true
	fw.ctx = ctx
	fw.mu.Unlock()

	if err := fw.watcher.Add(fw.path); err != nil {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		return fmt.Errorf("failed to add path to watcher: %w", err)
	}

	fw.logger.Info("Starting bundle file watcher",
		zap.String("path", fw.path),
		zap.Duration("debounce", fw.debounceTimeout),
	)

	go fw.watchLoop(ctx)
	return nil
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer func() {
		fw.mu.Lock()
		fw.isWatching = false
		fw.mu.Unlock()
		fw.logger.Info("Bundle file watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if isBundleFile(event.Name) {
				fw.handleEvent(event)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

// handleEvent collapses bursts of writes into one reload
func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.logger.Debug("Bundle file change detected",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
	)

	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	fw.debounceTimer = time.AfterFunc(fw.debounceTimeout, fw.Reload)
}

// Reload loads the directory and applies it immediately
func (fw *FileWatcher) Reload() {
	fw.mu.RLock()
	ctx := fw.ctx
	fw.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	fw.logger.Info("Reloading bundles from disk", zap.String("path", fw.path))

	bundle, err := fw.loader.LoadFromDirectory(fw.path)
	if err != nil {
		fw.logger.Error("Failed to load bundles", zap.String("path", fw.path), zap.Error(err))
		fw.emit(ReloadedEvent{Timestamp: time.Now(), Error: err})
		return
	}

	res, err := fw.syncer.Apply(ctx, bundle)
	if err != nil {
		fw.logger.Error("Failed to apply bundles", zap.String("path", fw.path), zap.Error(err))
		fw.emit(ReloadedEvent{Timestamp: time.Now(), Result: res, Error: err})
		return
	}

	fw.emit(ReloadedEvent{Timestamp: time.Now(), Result: res})
}

// emit drops the event when nobody drains the channel
func (fw *FileWatcher) emit(ev ReloadedEvent) {
	select {
	case fw.eventChan <- ev:
	default:
		fw.logger.Debug("Reload event dropped; channel full")
	}
}

// EventChan returns a channel for receiving reload events
func (fw *FileWatcher) EventChan() <-chan ReloadedEvent {
	return fw.eventChan
}

// Stop stops watching for file changes
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.stopped {
		return nil
	}
	fw.stopped = true

	close(fw.stopChan)
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}

	if err := fw.watcher.Close(); err != nil {
		fw.logger.Error("Error closing watcher", zap.Error(err))
		return err
	}
	return nil
}

// SetDebounceTimeout sets the debounce timeout for file changes
func (fw *FileWatcher) SetDebounceTimeout(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.debounceTimeout = d
}

// IsWatching returns true if the watcher is currently active
func (fw *FileWatcher) IsWatching() bool {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.isWatching
}
