package task

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHistoryListMissingFileReturnsEmpty(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "history.log"))
	infos, err := h.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no records, got %d", len(infos))
	}
}

func TestHistoryAppendListRoundTrips(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "history.log"))

	prog := &Progress{Status: StatusCompleted, Total: 10, Done: 10, StartedAt: time.Now()}
	first := Info{ID: "a", Name: "vault", Kind: "gc", Progress: prog}
	second := Info{ID: "b", Name: "vault", Kind: "verify", Progress: &Progress{Status: StatusFailed, Error: "boom"}}

	if err := h.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := h.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	infos, err := h.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 records, got %d", len(infos))
	}
	if infos[0].ID != "a" || infos[0].Progress.Total != 10 {
		t.Fatalf("unexpected first record: %+v", infos[0])
	}
	if infos[1].ID != "b" || infos[1].Progress.Error != "boom" {
		t.Fatalf("unexpected second record: %+v", infos[1])
	}
}
