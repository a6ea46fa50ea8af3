package cli

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"photomark/internal/compose"
	"photomark/internal/config"
	"photomark/internal/editor"
	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/imageio"
	"photomark/internal/pipeline"
	"photomark/internal/placement"
	"photomark/internal/server"
	"photomark/internal/storage"
	"photomark/internal/templates"
	"photomark/internal/watermark"
)

func newTestRoot(t *testing.T) (*Root, *templates.MemStore) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "photomark.db")
	cfg.Preview.Width, cfg.Preview.Height = 200, 100

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	history, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	engine := compose.New(fonts.NewResolver([]string{}, 4, logger), placement.Margin)
	store := templates.NewMemStore()
	session := editor.New(store, engine, logger)
	pipe := pipeline.New(imageio.FileCodec{}, engine, pipeline.Options{Workers: 2, Store: history, Logger: logger})

	root := NewRoot(cfg, logger, session, store, pipe, history)
	return root, store
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewNRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
}

func TestSetEditsAndPersists(t *testing.T) {
	root, store := newTestRoot(t)
	if _, err := run(t, root, "set", "--text", "© Jo", "--opacity", "70", "--color", "#ff8000", "--position", "BottomRight"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := root.session.Snapshot().Watermark
	if got.Text != "© Jo" || got.Opacity != 70 || got.Color != watermark.RGB(255, 128, 0) || got.Position != placement.BottomRight {
		t.Fatalf("unexpected settings %+v", got)
	}
	// untouched flags keep their values
	if got.FontSize != watermark.DefaultFontSize {
		t.Fatalf("font size should be unchanged, got %d", got.FontSize)
	}
	last, err := store.LoadLastUsed()
	if err != nil || last.Watermark.Text != "© Jo" {
		t.Fatalf("last-used not persisted: %v", err)
	}
}

func TestSetRejectsInvalidValues(t *testing.T) {
	root, _ := newTestRoot(t)
	cases := [][]string{
		{"set", "--opacity", "150"},
		{"set", "--font-size", "0"},
		{"set", "--position", "Sideways"},
		{"set", "--color", "300,0,0"},
		{"set", "--anchor", "12"},
		{"set", "--format", "gif"},
	}
	for _, args := range cases {
		if _, err := run(t, root, args...); !errors.Is(err, watermark.ErrInvalidConfig) {
			t.Fatalf("%v: expected ErrInvalidConfig, got %v", args, err)
		}
	}
	if got := root.session.Snapshot(); got.Watermark.Opacity != watermark.DefaultOpacity || got.Output.Format != watermark.JPEG {
		t.Fatalf("rejected edits changed state: %+v", got)
	}
}

func TestTemplateCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	run(t, root, "set", "--text", "Studio")
	if _, err := run(t, root, "template", "save", "studio"); err != nil {
		t.Fatalf("save: %v", err)
	}
	run(t, root, "set", "--text", "Other")

	out, err := run(t, root, "template", "list")
	if err != nil || strings.TrimSpace(out) != "studio" {
		t.Fatalf("list: %q %v", out, err)
	}
	out, err = run(t, root, "template", "show", "studio")
	if err != nil || !strings.Contains(out, `"text": "Studio"`) {
		t.Fatalf("show: %q %v", out, err)
	}
	if _, err := run(t, root, "template", "use", "studio"); err != nil {
		t.Fatalf("use: %v", err)
	}
	if got := root.session.Snapshot().Watermark.Text; got != "Studio" {
		t.Fatalf("expected Studio, got %q", got)
	}
	if _, err := run(t, root, "template", "save", "last_used"); !errors.Is(err, watermark.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := run(t, root, "template", "delete", "studio"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, root, "template", "use", "studio"); !errors.Is(err, watermark.ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestExportFolder(t *testing.T) {
	root, _ := newTestRoot(t)
	in := filepath.Join(t.TempDir(), "shoot")
	writePNG(t, filepath.Join(in, "a.png"), 120, 80)
	writePNG(t, filepath.Join(in, "b.png"), 80, 120)
	out := filepath.Join(t.TempDir(), "wm")

	stdout, err := run(t, root, "export", in, "--output", out, "--format", "png", "--naming", "prefix", "--text", "x")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, name := range []string{"wm_a.png", "wm_b.png"} {
		if !imageio.Exists(filepath.Join(out, name)) {
			t.Fatalf("missing output %s", name)
		}
	}
	if !strings.Contains(stdout, "Exported 2 of 2") {
		t.Fatalf("unexpected output %q", stdout)
	}
	// export flags do not edit the live settings
	if root.session.Snapshot().Watermark.Text != watermark.DefaultText {
		t.Fatalf("export flags leaked into the session")
	}

	recs, err := root.history.RecentBatches(1)
	if err != nil || len(recs) != 1 || recs[0].Status != storage.StatusCompleted {
		t.Fatalf("history not recorded: %+v %v", recs, err)
	}
	hist, err := run(t, root, "history")
	if err != nil || !strings.Contains(hist, recs[0].ID) {
		t.Fatalf("history output %q %v", hist, err)
	}
}

func TestExportConflictAndPartialFailure(t *testing.T) {
	root, _ := newTestRoot(t)
	in := filepath.Join(t.TempDir(), "shoot")
	writePNG(t, filepath.Join(in, "a.png"), 40, 40)

	if _, err := run(t, root, "export", in, "--output", in); !errors.Is(err, watermark.ErrOutputConflict) {
		t.Fatalf("expected ErrOutputConflict, got %v", err)
	}

	out := filepath.Join(t.TempDir(), "wm")
	stdout, err := run(t, root, "export", filepath.Join(in, "a.png"), filepath.Join(in, "missing.png"), "--output", out)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected partial failure error, got %v", err)
	}
	if !strings.Contains(stdout, "failed: "+filepath.Join(in, "missing.png")) {
		t.Fatalf("failure not reported: %q", stdout)
	}
	if !imageio.Exists(filepath.Join(out, "a.jpeg")) {
		t.Fatalf("successful asset should still be exported")
	}
}

func TestPlaceAndPreview(t *testing.T) {
	root, _ := newTestRoot(t)
	img := filepath.Join(t.TempDir(), "wide.png")
	writePNG(t, img, 400, 200)

	out, err := run(t, root, "place", img, "--at", "100,50")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	got := root.session.Snapshot().Watermark
	if got.Position != placement.Manual || *got.ManualAnchor != geom.Pt(200, 100) {
		t.Fatalf("expected Manual (200,100), got %s %v (%s)", got.Position, got.ManualAnchor, out)
	}

	previewPath := filepath.Join(t.TempDir(), "p.png")
	if _, err := run(t, root, "preview", img, "--out", previewPath, "--width", "300", "--height", "300"); err != nil {
		t.Fatalf("preview: %v", err)
	}
	decoded, _, err := imageio.FileCodec{}.Open(previewPath)
	if err != nil || decoded.Bounds().Dx() != 300 {
		t.Fatalf("preview not written: %v", err)
	}
}

func TestServeUsesConfiguredAddr(t *testing.T) {
	root, _ := newTestRoot(t)
	var gotAddr string
	root.serveFn = func(ctx context.Context, addr string, deps server.Deps) error {
		gotAddr = addr
		if deps.Session != root.session || deps.PreviewWidth != 200 {
			t.Fatalf("unexpected deps %+v", deps)
		}
		return nil
	}
	if _, err := run(t, root, "serve"); err != nil {
		t.Fatal(err)
	}
	if gotAddr != root.cfg.Server.Addr {
		t.Fatalf("expected %s, got %s", root.cfg.Server.Addr, gotAddr)
	}
	run(t, root, "serve", "--addr", "127.0.0.1:9999")
	if gotAddr != "127.0.0.1:9999" {
		t.Fatalf("flag ignored, got %s", gotAddr)
	}
}

func TestConfigAndVersion(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := run(t, root, "config", "show")
	if err != nil || !strings.Contains(out, `"parallel_jobs"`) {
		t.Fatalf("config show: %q %v", out, err)
	}
	if _, err := run(t, root, "config", "validate"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	root.cfg.Processing.ParallelJobs = 0
	if _, err := run(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
	out, _ = run(t, root, "version")
	if !strings.Contains(out, "Photomark "+Version) {
		t.Fatalf("version output %q", out)
	}
}

func TestParsePoint(t *testing.T) {
	p, err := parsePoint(" 12.5, 40 ")
	if err != nil || p != geom.Pt(12.5, 40) {
		t.Fatalf("parsePoint: %v %v", p, err)
	}
	for _, bad := range []string{"", "1", "a,b", "1,2,3"} {
		if _, err := parsePoint(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
