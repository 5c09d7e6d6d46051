package index

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"vaultd/internal/digest"
	"vaultd/internal/format"
)

// DynamicWriter builds a variable-size (content-defined chunking) index
// file. Created under a ".tmp" suffix, appended to as chunks are ingested,
// renamed on Close (spec.md §4.3).
type DynamicWriter struct {
	f         *os.File
	finalPath string
	id        uuid.UUID
	ctime     time.Time
	digests   []digest.Digest
	sizes     []uint64
}

// CreateDynamic opens a new dynamic index writer at path+".tmp".
func CreateDynamic(path string) (*DynamicWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create dynamic index %s: %w", tmpPath, err)
	}
	return &DynamicWriter{
		f:         f,
		finalPath: path,
		id:        uuid.New(),
		ctime:     time.Now(),
	}, nil
}

// Append records a content-defined chunk of the given size ending at the
// next logical offset.
func (w *DynamicWriter) Append(d digest.Digest, size uint64) {
	w.digests = append(w.digests, d)
	w.sizes = append(w.sizes, size)
}

// Close writes the header and record array, then atomically renames the
// ".tmp" file into place.
func (w *DynamicWriter) Close() error {
	csum := computeCSUM(w.digests)

	hdr := make([]byte, dynamicHeaderSize)
	fHdr := format.Header{Type: format.TypeIndexDynamic, Version: 1}
	fHdr.EncodeInto(hdr)

	off := format.HeaderSize
	idBytes, _ := w.id.MarshalBinary()
	copy(hdr[off:], idBytes)
	off += 16
	binary.LittleEndian.PutUint64(hdr[off:], uint64(w.ctime.Unix()))
	off += 8
	copy(hdr[off:off+digest.Size], csum[:])

	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write dynamic index header: %w", err)
	}

	body := make([]byte, len(w.digests)*dynamicRecordSize)
	running := uint64(0)
	for i, d := range w.digests {
		running += w.sizes[i]
		binary.LittleEndian.PutUint64(body[i*dynamicRecordSize:], running)
		copy(body[i*dynamicRecordSize+8:], d[:])
	}
	if _, err := w.f.WriteAt(body, dynamicHeaderSize); err != nil {
		return fmt.Errorf("write dynamic index body: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync dynamic index: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close dynamic index: %w", err)
	}

	tmpPath := w.finalPath + ".tmp"
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("rename dynamic index into place: %w", err)
	}
	return nil
}
