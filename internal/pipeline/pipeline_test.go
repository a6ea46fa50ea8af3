package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"photomark/internal/compose"
	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/imageio"
	"photomark/internal/placement"
	"photomark/internal/storage"
	"photomark/internal/watermark"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, store *storage.Store) *Pipeline {
	t.Helper()
	engine := compose.New(fonts.NewResolver([]string{}, 4, discardLogger()), placement.Margin)
	return New(imageio.FileCodec{}, engine, Options{Workers: 3, Store: store, Logger: discardLogger()})
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 200, 210, 220, 255
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func settingsFor(dest string) watermark.Settings {
	s := watermark.Defaults()
	s.Watermark.FontSize = 16
	s.Output.Folder = dest
	s.Output.Format = watermark.PNG
	return s
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	return len(entries)
}

func TestOutputPathNamingRules(t *testing.T) {
	cases := []struct {
		name   string
		naming watermark.NamingRule
		format watermark.Format
		want   string
	}{
		{"keep", watermark.KeepName, watermark.JPEG, "/out/IMG_001.jpeg"},
		{"prefix", watermark.PrefixName, watermark.PNG, "/out/wm_IMG_001.png"},
		{"suffix", watermark.SuffixName, watermark.JPEG, "/out/IMG_001wm_.jpeg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := watermark.OutputSettings{Format: tc.format, Naming: tc.naming, Modifier: "wm_", Folder: "/out"}
			if got := OutputPath("/photos/IMG_001.JPG", o); got != filepath.FromSlash(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestPreflightConflictWritesNothing(t *testing.T) {
	root := t.TempDir()
	other := filepath.Join(root, "other")
	src := filepath.Join(root, "src")
	a := filepath.Join(other, "a.png")
	b := filepath.Join(src, "b.png")
	writePNG(t, a, 40, 30)
	writePNG(t, b, 40, 30)

	p := newTestPipeline(t, nil)
	for _, dest := range []string{src, src + string(filepath.Separator) + "."} {
		res, err := p.Run(context.Background(), NewBatch([]string{a, b}, settingsFor(dest)))
		if !errors.Is(err, watermark.ErrOutputConflict) {
			t.Fatalf("dest %s: expected ErrOutputConflict, got %v", dest, err)
		}
		var ce *watermark.ConflictError
		if !errors.As(err, &ce) || ce.Asset != b {
			t.Fatalf("expected conflict naming %s, got %v", b, err)
		}
		if res.Success != 0 || res.Failure != 0 {
			t.Fatalf("expected empty result, got %+v", res)
		}
	}
	if countFiles(t, src) != 1 || countFiles(t, other) != 1 {
		t.Fatalf("pre-flight must not write any output")
	}
}

func TestBatchPartialFailure(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "out")
	a := filepath.Join(root, "in", "a.png")
	c := filepath.Join(root, "in", "c.png")
	missing := filepath.Join(root, "in", "b.png")
	writePNG(t, a, 120, 80)
	writePNG(t, c, 64, 64)

	res, err := newTestPipeline(t, nil).Run(context.Background(), NewBatch([]string{a, missing, c}, settingsFor(dest)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success != 2 || res.Failure != 1 {
		t.Fatalf("expected 2/1, got %d/%d", res.Success, res.Failure)
	}
	if len(res.Failures) != 1 || res.Failures[0].Asset != missing || !errors.Is(res.Failures[0].Reason, watermark.ErrMissingAsset) {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
	if n := countFiles(t, dest); n != 2 {
		t.Fatalf("expected exactly 2 outputs, found %d", n)
	}
	for _, want := range []string{"a.png", "c.png"} {
		f, err := os.Open(filepath.Join(dest, want))
		if err != nil {
			t.Fatalf("missing output %s: %v", want, err)
		}
		if _, err := png.Decode(f); err != nil {
			t.Fatalf("output %s is not a valid png: %v", want, err)
		}
		f.Close()
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	root := t.TempDir()
	var assets []string
	for _, n := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		p := filepath.Join(root, "in", n+".png")
		writePNG(t, p, 50, 40)
		assets = append(assets, p)
	}
	p := newTestPipeline(t, nil)
	ch, unsub := p.Subscribe()
	defer unsub()

	if _, err := p.Run(context.Background(), NewBatch(assets, settingsFor(filepath.Join(root, "out")))); err != nil {
		t.Fatalf("run: %v", err)
	}

	last := -1
	for i := 0; i < len(assets); i++ {
		ev := <-ch
		if ev.Percent <= last {
			t.Fatalf("progress went from %d to %d", last, ev.Percent)
		}
		if ev.Done != i+1 || ev.Total != len(assets) {
			t.Fatalf("unexpected event %+v", ev)
		}
		last = ev.Percent
	}
	if last != 100 {
		t.Fatalf("expected to finish at 100, got %d", last)
	}
}

type recordingRenderer struct {
	mu      sync.Mutex
	anchors []geom.Point
}

func (r *recordingRenderer) Render(base image.Image, cfg watermark.Config, format watermark.Format) (image.Image, error) {
	r.mu.Lock()
	r.anchors = append(r.anchors, *cfg.ManualAnchor)
	r.mu.Unlock()
	return image.NewUniform(color.Black), nil
}

type memCodec struct {
	mu    sync.Mutex
	saved map[string]bool
}

func (m *memCodec) Open(path string) (image.Image, imageio.Asset, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 100+len(path), 80))
	return img, imageio.Describe(path, img), nil
}

func (m *memCodec) Save(img image.Image, path string, format watermark.Format, quality int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[path] = true
	return nil
}

func TestSnapshotAndManualAnchorReuse(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	live := settingsFor(dest)
	anchor := geom.Pt(50, 40)
	live.Watermark.Position = placement.Manual
	live.Watermark.ManualAnchor = &anchor

	batch := NewBatch([]string{"/a/x.png", "/a/y.png", "/a/zz.png"}, live)
	// edits after the snapshot must not leak into the batch
	anchor.X = 999
	live.Output.Folder = "/elsewhere"

	rr := &recordingRenderer{}
	codec := &memCodec{saved: map[string]bool{}}
	p := New(codec, rr, Options{Workers: 2, Logger: discardLogger()})
	res, err := p.Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success != 3 {
		t.Fatalf("expected 3 successes, got %+v", res)
	}
	for _, got := range rr.anchors {
		if got != geom.Pt(50, 40) {
			t.Fatalf("expected verbatim anchor (50,40), got %v", got)
		}
	}
	if !codec.saved[filepath.Join(dest, "x.png")] {
		t.Fatalf("expected output under snapshot folder, got %v", codec.saved)
	}
}

func TestCancelledBatchFailsRemainingAssets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	codec := &memCodec{saved: map[string]bool{}}
	p := New(codec, &recordingRenderer{}, Options{Logger: discardLogger()})
	res, err := p.Run(ctx, NewBatch([]string{"/a/1.png", "/a/2.png"}, settingsFor(filepath.Join(t.TempDir(), "out"))))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure != 2 || !errors.Is(res.Failures[0].Reason, context.Canceled) {
		t.Fatalf("expected cancelled failures, got %+v", res)
	}
	if len(codec.saved) != 0 {
		t.Fatalf("nothing should be written after cancellation")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	root := t.TempDir()
	store, err := storage.New(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	a := filepath.Join(root, "in", "a.png")
	writePNG(t, a, 60, 40)
	batch := NewBatch([]string{a, filepath.Join(root, "in", "gone.png")}, settingsFor(filepath.Join(root, "out")))
	if _, err := newTestPipeline(t, store).Run(context.Background(), batch); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs, err := store.RecentBatches(5)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one batch record, got %v (%v)", recs, err)
	}
	if recs[0].ID != batch.ID || recs[0].Status != storage.StatusPartial || recs[0].Success != 1 || recs[0].Failure != 1 {
		t.Fatalf("unexpected record %+v", recs[0])
	}
	assets, err := store.BatchAssets(batch.ID)
	if err != nil || len(assets) != 2 {
		t.Fatalf("expected two asset records, got %v (%v)", assets, err)
	}
}
