// Package index implements the per-archive index files (C3): a header plus
// a dense array of chunk digests, in two shapes — fixed-size (block
// devices) and dynamic/variable-size (content-defined chunking of file
// archives) — behind one uniform, shape-agnostic interface. See spec.md
// §4.3 and §9 ("index polymorphism... keep this tight").
package index

import (
	"crypto/sha256"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaultd/internal/digest"
)

// ErrIndexInvalid is returned when an index header fails to decode or
// validate (signature, type, version, UUID, zero chunk size), when a
// dynamic index's record array is truncated, or when Open is given a name
// that is neither .fidx nor .didx (spec.md §7). Opening an index does not
// compare the stored checksum with the digest sequence.
var ErrIndexInvalid = errors.New("index: invalid")

// ChunkInfo describes one logical entry of an index.
type ChunkInfo struct {
	Offset uint64
	Size   uint64
	Digest digest.Digest
}

// Index is the uniform read interface both Fixed and Dynamic satisfy. GC's
// mark phase and the verifier close over only this surface so they remain
// shape-agnostic (spec.md §4.3, §9).
type Index interface {
	// Count returns the number of digest entries.
	Count() int
	// Digest returns the i'th entry's digest.
	Digest(i int) digest.Digest
	// ChunkInfo returns the i'th entry's offset, size, and digest.
	ChunkInfo(i int) (ChunkInfo, error)
	// ComputeCSUM hashes the digest sequence; the sync puller compares it
	// against the value recorded in the manifest (the verifier does not
	// call it).
	ComputeCSUM() digest.Digest
	// UUID returns the index file's identity, assigned at creation.
	UUID() uuid.UUID
	// CTime returns the index file's creation time.
	CTime() time.Time
	// Close releases any open file handle.
	Close() error
}

// computeCSUM hashes a sequence of digests in order, the shared
// implementation both index shapes use.
func computeCSUM(digests []digest.Digest) digest.Digest {
	h := sha256.New()
	for _, d := range digests {
		h.Write(d[:])
	}
	var sum digest.Digest
	copy(sum[:], h.Sum(nil))
	return sum
}

const headerReservedSize = 8

// IsIndexFile reports whether filename names a fixed or dynamic index,
// based on its extension. GC, the verifier, and the sync puller each need
// to tell an index file from an opaque blob (a VM's config dump, firewall
// rules, the manifest itself) before deciding how to walk it.
func IsIndexFile(filename string) bool {
	return strings.HasSuffix(filename, ".fidx") || strings.HasSuffix(filename, ".didx")
}

// Open opens path as a fixed or dynamic index, dispatching on its
// extension, or returns (nil, ErrIndexInvalid) for a name that is
// neither. This is the one place that switches on ".fidx"/".didx";
// callers that already know the shape (the writers, tests constructing a
// known fixture) still call OpenFixed/OpenDynamic directly.
func Open(path, filename string) (Index, error) {
	switch {
	case strings.HasSuffix(filename, ".fidx"):
		return OpenFixed(path)
	case strings.HasSuffix(filename, ".didx"):
		return OpenDynamic(path)
	default:
		return nil, ErrIndexInvalid
	}
}
