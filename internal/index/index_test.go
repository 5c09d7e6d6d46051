package index

import (
	"errors"
	"path/filepath"
	"testing"

	"vaultd/internal/digest"
)

func TestFixedWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.fidx")
	w, err := CreateFixed(path, 1024)
	if err != nil {
		t.Fatalf("CreateFixed: %v", err)
	}

	digests := []digest.Digest{
		digest.Compute([]byte("chunk-0")),
		digest.Compute([]byte("chunk-1")),
		digest.Compute([]byte("chunk-2")),
	}
	for _, d := range digests {
		w.Append(d, 1024)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fx, err := OpenFixed(path)
	if err != nil {
		t.Fatalf("OpenFixed: %v", err)
	}
	defer fx.Close()

	if fx.Count() != len(digests) {
		t.Fatalf("expected %d entries, got %d", len(digests), fx.Count())
	}
	for i, want := range digests {
		if got := fx.Digest(i); got != want {
			t.Errorf("entry %d: got %s, want %s", i, got, want)
		}
	}

	info, err := fx.ChunkInfo(1)
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Offset != 1024 || info.Size != 1024 {
		t.Errorf("unexpected chunk info: %+v", info)
	}

	if fx.ComputeCSUM() != fx.StoredCSUM() {
		t.Error("computed csum should match stored csum for a healthy index")
	}
}

func TestDynamicWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.didx")
	w, err := CreateDynamic(path)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}

	type entry struct {
		d    digest.Digest
		size uint64
	}
	entries := []entry{
		{digest.Compute([]byte("a")), 100},
		{digest.Compute([]byte("bb")), 250},
		{digest.Compute([]byte("ccc")), 17},
	}
	for _, e := range entries {
		w.Append(e.d, e.size)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dx, err := OpenDynamic(path)
	if err != nil {
		t.Fatalf("OpenDynamic: %v", err)
	}
	defer dx.Close()

	if dx.Count() != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), dx.Count())
	}

	wantOffset := uint64(0)
	for i, e := range entries {
		info, err := dx.ChunkInfo(i)
		if err != nil {
			t.Fatalf("ChunkInfo(%d): %v", i, err)
		}
		if info.Offset != wantOffset {
			t.Errorf("entry %d: offset got %d want %d", i, info.Offset, wantOffset)
		}
		if info.Size != e.size {
			t.Errorf("entry %d: size got %d want %d", i, info.Size, e.size)
		}
		if info.Digest != e.d {
			t.Errorf("entry %d: digest mismatch", i)
		}
		wantOffset += e.size
	}

	if dx.ComputeCSUM() != dx.StoredCSUM() {
		t.Error("computed csum should match stored csum for a healthy index")
	}
}

func TestFixedRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notanindex")
	w, err := CreateDynamic(path)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	w.Append(digest.Compute([]byte("x")), 1)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := OpenFixed(path); err == nil {
		t.Fatal("expected OpenFixed to reject a dynamic-typed file")
	}
}

func TestIsIndexFile(t *testing.T) {
	cases := map[string]bool{
		"archive.fidx":     true,
		"archive.didx":     true,
		"qemu-server.conf": false,
		"fw.conf":          false,
		"index.json":       false,
	}
	for name, want := range cases {
		if got := IsIndexFile(name); got != want {
			t.Errorf("IsIndexFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestOpenDispatchesOnExtension(t *testing.T) {
	fixedPath := filepath.Join(t.TempDir(), "disk.fidx")
	fw, err := CreateFixed(fixedPath, 512)
	if err != nil {
		t.Fatalf("CreateFixed: %v", err)
	}
	fw.Append(digest.Compute([]byte("block")), 512)
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dynPath := filepath.Join(t.TempDir(), "archive.didx")
	dw, err := CreateDynamic(dynPath)
	if err != nil {
		t.Fatalf("CreateDynamic: %v", err)
	}
	dw.Append(digest.Compute([]byte("chunk")), 4096)
	if err := dw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fx, err := Open(fixedPath, "disk.fidx")
	if err != nil {
		t.Fatalf("Open fixed: %v", err)
	}
	defer fx.Close()
	if _, ok := fx.(*Fixed); !ok {
		t.Fatalf("expected *Fixed, got %T", fx)
	}

	dx, err := Open(dynPath, "archive.didx")
	if err != nil {
		t.Fatalf("Open dynamic: %v", err)
	}
	defer dx.Close()
	if _, ok := dx.(*Dynamic); !ok {
		t.Fatalf("expected *Dynamic, got %T", dx)
	}

	if _, err := Open(dynPath, "opaque.conf"); !errors.Is(err, ErrIndexInvalid) {
		t.Fatalf("expected ErrIndexInvalid for a non-index name, got %v", err)
	}
}
