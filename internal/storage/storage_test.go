package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history", "photomark.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordBatchQueued(BatchRecord{ID: "b1", Status: StatusQueued, Destination: "/out", Format: "PNG", Total: 3, SettingsJSON: `{"text":"x"}`}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordBatchStart("b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, a := range []AssetRecord{
		{BatchID: "b1", AssetPath: "/in/a.jpg", OutputPath: "/out/a.png", Status: StatusCompleted},
		{BatchID: "b1", AssetPath: "/in/b.jpg", Status: StatusFailed, Error: "missing"},
	} {
		if err := s.RecordAsset(a); err != nil {
			t.Fatalf("asset: %v", err)
		}
	}
	if err := s.RecordBatchResult("b1", StatusPartial, 2, 1, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	recs, err := s.RecentBatches(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one batch, got %d", len(recs))
	}
	got := recs[0]
	if got.Status != StatusPartial || got.Success != 2 || got.Failure != 1 || got.Total != 3 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", got)
	}

	assets, err := s.BatchAssets("b1")
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 2 || assets[1].Error != "missing" || assets[0].OutputPath != "/out/a.png" {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordBatchQueued(BatchRecord{ID: "x"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := s.RecordAsset(AssetRecord{}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if _, err := s.RecentBatches(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}
