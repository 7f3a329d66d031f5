package keys

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher reloads a FileSource into a MemoryRegistry whenever the file
// changes. The parent directory is watched so editor-style atomic writes
// (temp file + rename) are seen. A reload that fails to parse or validate
// keeps the previous snapshot.
type FileWatcher struct {
	src      *FileSource
	reg      *MemoryRegistry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	reloaded chan struct{}
}

// NewFileWatcher starts watching src.Path. Call Run to process events.
func NewFileWatcher(src *FileSource, reg *MemoryRegistry, log zerolog.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{
		src:      &FileSource{Path: abs, Master: src.Master},
		reg:      reg,
		fsw:      fsw,
		debounce: 100 * time.Millisecond,
		log:      log.With().Str("component", "key_watcher").Str("path", abs).Logger(),
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Run blocks, applying reloads until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close() //nolint:errcheck
	target := filepath.Base(w.src.Path)
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.schedule(ctx)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("key file watcher error")
		}
	}
}

// schedule debounces bursts of events into one reload.
func (w *FileWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx)
	})
}

func (w *FileWatcher) reload(ctx context.Context) {
	if err := Reload(ctx, w.src, w.reg); err != nil {
		w.log.Error().Err(err).Msg("key file reload failed, keeping previous keys")
		return
	}
	w.log.Info().Int("keys", w.reg.Len()).Msg("key file reloaded")
	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}

// Reloaded signals after each successful reload.
func (w *FileWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}
