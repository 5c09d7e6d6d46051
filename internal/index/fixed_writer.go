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

// FixedWriter builds a fixed-chunk-size index file. It is created under a
// ".tmp" suffix and renamed into place on Close; premature termination
// leaves only the ".tmp" file (spec.md §4.3).
type FixedWriter struct {
	f         *os.File
	finalPath string
	id        uuid.UUID
	ctime     time.Time
	chunkSize uint64
	totalSize uint64
	digests   []digest.Digest
}

// CreateFixed opens a new fixed index writer at path+".tmp".
func CreateFixed(path string, chunkSize uint64) (*FixedWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create fixed index %s: %w", tmpPath, err)
	}
	return &FixedWriter{
		f:         f,
		finalPath: path,
		id:        uuid.New(),
		ctime:     time.Now(),
		chunkSize: chunkSize,
	}, nil
}

// Append records the digest for the next sequential chunk.
func (w *FixedWriter) Append(d digest.Digest, size uint64) {
	w.digests = append(w.digests, d)
	w.totalSize += size
}

// Close writes the header and digest array, then atomically renames the
// ".tmp" file into place.
func (w *FixedWriter) Close() error {
	csum := computeCSUM(w.digests)

	hdr := make([]byte, fixedHeaderSize)
	fHdr := format.Header{Type: format.TypeIndexFixed, Version: 1}
	fHdr.EncodeInto(hdr)

	off := format.HeaderSize
	idBytes, _ := w.id.MarshalBinary()
	copy(hdr[off:], idBytes)
	off += 16
	binary.LittleEndian.PutUint64(hdr[off:], uint64(w.ctime.Unix()))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:], w.chunkSize)
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:], w.totalSize)
	off += 8
	copy(hdr[off:off+digest.Size], csum[:])

	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("write fixed index header: %w", err)
	}

	body := make([]byte, len(w.digests)*digest.Size)
	for i, d := range w.digests {
		copy(body[i*digest.Size:], d[:])
	}
	if _, err := w.f.WriteAt(body, fixedHeaderSize); err != nil {
		return fmt.Errorf("write fixed index body: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync fixed index: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close fixed index: %w", err)
	}

	tmpPath := w.finalPath + ".tmp"
	if err := os.Rename(tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("rename fixed index into place: %w", err)
	}
	return nil
}
