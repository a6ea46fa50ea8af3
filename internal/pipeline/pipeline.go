package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"photomark/internal/imageio"
	"photomark/internal/logging"
	"photomark/internal/storage"
	"photomark/internal/templates"
	"photomark/internal/watermark"
)

// Batch is one export request. Settings is a private snapshot; later edits
// to the live configuration do not reach it.
type Batch struct {
	ID       string
	Assets   []string
	Settings watermark.Settings
}

// NewBatch snapshots s for exporting assets.
func NewBatch(assets []string, s watermark.Settings) Batch {
	return Batch{
		ID:       uuid.NewString(),
		Assets:   append([]string(nil), assets...),
		Settings: s.Clone(),
	}
}

// Failure records why one asset was not exported.
type Failure struct {
	Asset   string `json:"asset"`
	Reason  error  `json:"-"`
	Message string `json:"reason"`
}

// Result aggregates a finished batch.
type Result struct {
	BatchID  string        `json:"batch_id"`
	Success  int           `json:"success"`
	Failure  int           `json:"failure"`
	Failures []Failure     `json:"failures"`
	Outputs  []string      `json:"outputs"`
	Duration time.Duration `json:"duration"`
}

// Progress is emitted once per finished asset. Percent never decreases
// within a batch and reaches 100 on the last asset.
type Progress struct {
	BatchID string `json:"batch_id"`
	Asset   string `json:"asset"`
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Error   string `json:"error,omitempty"`
}

// Renderer applies a watermark to a decoded image.
type Renderer interface {
	Render(base image.Image, cfg watermark.Config, format watermark.Format) (image.Image, error)
}

// Options tunes a Pipeline.
type Options struct {
	Workers     int
	JPEGQuality int
	Store       *storage.Store
	Logger      *slog.Logger
}

// Pipeline exports batches across a pool of workers.
type Pipeline struct {
	codec    imageio.Codec
	renderer Renderer
	log      *slog.Logger
	store    *storage.Store
	workers  int
	quality  int

	mu        sync.Mutex
	subs      map[int]chan Progress
	nextSubID int
}

// New creates a Pipeline.
func New(codec imageio.Codec, renderer Renderer, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = watermark.DefaultJPEGQuality
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		codec:    codec,
		renderer: renderer,
		log:      opts.Logger,
		store:    opts.Store,
		workers:  opts.Workers,
		quality:  opts.JPEGQuality,
		subs:     make(map[int]chan Progress),
	}
}

// Preflight rejects a destination that is the containing folder of any
// asset. It touches nothing on disk.
func Preflight(dest string, assets []string) error {
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("%w: no output folder", watermark.ErrInvalidConfig)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve output folder: %w", err)
	}
	destInfo, destErr := os.Stat(absDest)
	for _, asset := range assets {
		dir, err := filepath.Abs(filepath.Dir(asset))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", asset, err)
		}
		if dir == absDest {
			return &watermark.ConflictError{Folder: absDest, Asset: asset}
		}
		if destErr == nil {
			if info, err := os.Stat(dir); err == nil && os.SameFile(info, destInfo) {
				return &watermark.ConflictError{Folder: absDest, Asset: asset}
			}
		}
	}
	return nil
}

// OutputPath maps an asset to its export path under o.Folder.
func OutputPath(asset string, o watermark.OutputSettings) string {
	base := filepath.Base(asset)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(o.Folder, o.FileName(name))
}

// Run exports every asset of b. A pre-flight conflict aborts the batch
// before anything is written; per-asset failures are collected in the
// Result and do not stop the remaining assets. Once ctx is done, assets
// that have not started are reported as failed.
func (p *Pipeline) Run(ctx context.Context, b Batch) (Result, error) {
	start := time.Now()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	res := Result{BatchID: b.ID, Failures: []Failure{}, Outputs: []string{}}
	out := b.Settings.Output

	if err := b.Settings.Validate(); err != nil {
		return res, err
	}
	if err := Preflight(out.Folder, b.Assets); err != nil {
		p.recordRejected(b, err)
		return res, err
	}
	if err := os.MkdirAll(out.Folder, 0o755); err != nil {
		err = fmt.Errorf("%w: create output folder: %v", watermark.ErrEncode, err)
		p.recordRejected(b, err)
		return res, err
	}

	settingsJSON, _ := templates.Marshal(b.Settings)
	_ = p.store.RecordBatchQueued(storage.BatchRecord{
		ID:           b.ID,
		Status:       storage.StatusQueued,
		Destination:  out.Folder,
		Format:       string(out.Format),
		Total:        len(b.Assets),
		SettingsJSON: string(settingsJSON),
	})
	_ = p.store.RecordBatchStart(b.ID)
	logging.LogBatchStart(p.log, b.ID, len(b.Assets), out.Folder, string(out.Format))

	agg := &aggregate{p: p, batch: b.ID, total: len(b.Assets), res: &res}
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < min(p.workers, max(len(b.Assets), 1)); i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, jobs, b.Settings, agg)
	}
	for _, asset := range b.Assets {
		jobs <- asset
	}
	close(jobs)
	wg.Wait()

	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Asset < res.Failures[j].Asset })
	sort.Strings(res.Outputs)
	res.Duration = time.Since(start)

	status := storage.StatusCompleted
	switch {
	case res.Failure > 0 && res.Success == 0:
		status = storage.StatusFailed
	case res.Failure > 0:
		status = storage.StatusPartial
	}
	_ = p.store.RecordBatchResult(b.ID, status, res.Success, res.Failure, "")
	logging.LogBatchComplete(p.log, b.ID, res.Duration, res.Success, res.Failure)
	return res, nil
}

func (p *Pipeline) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan string, s watermark.Settings, agg *aggregate) {
	defer wg.Done()
	for asset := range jobs {
		if err := ctx.Err(); err != nil {
			agg.finish(asset, "", err)
			continue
		}
		path, err := p.exportOne(asset, s)
		agg.finish(asset, path, err)
	}
}

func (p *Pipeline) exportOne(asset string, s watermark.Settings) (string, error) {
	img, info, err := p.codec.Open(asset)
	if err != nil {
		return "", err
	}
	rendered, err := p.renderer.Render(img, s.Watermark, s.Output.Format)
	if err != nil {
		return "", fmt.Errorf("render %s (%s): %w", asset, info.Mode, err)
	}
	quality := s.Output.Quality
	if quality <= 0 {
		quality = p.quality
	}
	path := OutputPath(asset, s.Output)
	if err := p.codec.Save(rendered, path, s.Output.Format, quality); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Pipeline) recordRejected(b Batch, err error) {
	_ = p.store.RecordBatchQueued(storage.BatchRecord{
		ID:          b.ID,
		Status:      storage.StatusRejected,
		Destination: b.Settings.Output.Folder,
		Format:      string(b.Settings.Output.Format),
		Total:       len(b.Assets),
	})
	_ = p.store.RecordBatchResult(b.ID, storage.StatusRejected, 0, 0, err.Error())
	p.log.Warn("export rejected", "batch", b.ID, "error", err)
}

// aggregate serialises counter updates with progress emission so
// subscribers observe a monotonic sequence.
type aggregate struct {
	mu    sync.Mutex
	p     *Pipeline
	batch string
	total int
	done  int
	res   *Result
}

func (a *aggregate) finish(asset, output string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.done++
	ev := Progress{BatchID: a.batch, Asset: asset, Done: a.done, Total: a.total, Percent: a.done * 100 / a.total}
	rec := storage.AssetRecord{BatchID: a.batch, AssetPath: asset, OutputPath: output, Status: storage.StatusCompleted}
	if err != nil {
		a.res.Failure++
		a.res.Failures = append(a.res.Failures, Failure{Asset: asset, Reason: err, Message: err.Error()})
		ev.Error = err.Error()
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		logging.LogAssetError(a.p.log, a.batch, asset, err)
	} else {
		a.res.Success++
		a.res.Outputs = append(a.res.Outputs, output)
	}
	_ = a.p.store.RecordAsset(rec)
	a.p.broadcast(ev)
}

// Subscribe returns a channel for receiving progress events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Close ends every subscription.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

func (p *Pipeline) broadcast(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("progress channel full", "subscriber", id, "batch", ev.BatchID)
		}
	}
}

// IsConflict reports whether err rejected a whole batch.
func IsConflict(err error) bool {
	return errors.Is(err, watermark.ErrOutputConflict)
}
