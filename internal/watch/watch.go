// Package watch exports images dropped into a hot folder.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"photomark/internal/fsutil"
	"photomark/internal/pipeline"
	"photomark/internal/watermark"
)

const DefaultDebounce = 500 * time.Millisecond

// Exporter runs one batch.
type Exporter interface {
	Run(ctx context.Context, b pipeline.Batch) (pipeline.Result, error)
}

// SettingsSource supplies the settings a new file is exported with.
type SettingsSource interface {
	Snapshot() watermark.Settings
}

// Options tunes a Watcher.
type Options struct {
	// Debounce is how long a path must stay quiet before it is exported.
	Debounce time.Duration
	// Output overrides the output folder of the snapshot when set.
	Output   string
	OnResult func(asset string, res pipeline.Result, err error)
	Logger   *slog.Logger
}

// Watcher monitors one folder and exports each new or rewritten image as a
// single-asset batch.
type Watcher struct {
	dir      string
	exporter Exporter
	settings SettingsSource
	opts     Options
	log      *slog.Logger
}

// New creates a Watcher for dir.
func New(dir string, exporter Exporter, settings SettingsSource, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{dir: dir, exporter: exporter, settings: settings, opts: opts, log: opts.Logger}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching folder", "dir", w.dir, "debounce", w.opts.Debounce)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan string, 64)
	deb := newDebouncer(w.opts.Debounce, func(path string) {
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
	defer deb.stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-ready:
				w.export(ctx, path)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if shouldExport(ev) {
				deb.touch(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) export(ctx context.Context, path string) {
	s := w.settings.Snapshot()
	if w.opts.Output != "" {
		s.Output.Folder = w.opts.Output
	}
	res, err := w.exporter.Run(ctx, pipeline.NewBatch([]string{path}, s))
	switch {
	case err != nil:
		w.log.Error("hot folder export rejected", "asset", path, "error", err)
	case res.Failure > 0:
		w.log.Warn("hot folder export failed", "asset", path, "reason", res.Failures[0].Message)
	default:
		w.log.Info("hot folder export", "asset", path, "output", res.Outputs)
	}
	if w.opts.OnResult != nil {
		w.opts.OnResult(path, res, err)
	}
}

// shouldExport keeps creates and writes of visible image files.
func shouldExport(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return fsutil.IsImageFile(ev.Name)
}

// debouncer fires once per path after it has been quiet for delay.
type debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[string]*time.Timer
	fire   func(string)
}

func newDebouncer(delay time.Duration, fire func(string)) *debouncer {
	return &debouncer{delay: delay, timers: make(map[string]*time.Timer), fire: fire}
}

func (d *debouncer) touch(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok && t.Stop() {
		t.Reset(d.delay)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.timers[path] == t {
			delete(d.timers, path)
		}
		d.mu.Unlock()
		d.fire(path)
	})
	d.timers[path] = t
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, t := range d.timers {
		t.Stop()
		delete(d.timers, path)
	}
}
