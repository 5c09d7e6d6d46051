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

// fixedHeaderSize is the byte length of everything preceding the digest
// array: format.Header + UUID + ctime + chunk size + total size + csum +
// reserved.
const fixedHeaderSize = format.HeaderSize + 16 + 8 + 8 + 8 + digest.Size + headerReservedSize

// Fixed is a read-only view of a fixed-chunk-size index file: logical
// offset i maps directly to array entry i (spec.md §4.3).
type Fixed struct {
	f         *os.File
	uuid      uuid.UUID
	ctime     time.Time
	chunkSize uint64
	totalSize uint64
	csum      digest.Digest
	count     int
}

// OpenFixed opens and validates an existing fixed index file.
func OpenFixed(path string) (*Fixed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixed index %s: %w", path, err)
	}
	fx, err := parseFixedHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return fx, nil
}

func parseFixedHeader(f *os.File) (*Fixed, error) {
	hdr := make([]byte, fixedHeaderSize)
	if _, err := readFull(f, 0, hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrIndexInvalid, err)
	}

	if _, err := format.DecodeAndValidate(hdr, format.TypeIndexFixed, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexInvalid, err)
	}

	off := format.HeaderSize
	id, err := uuid.FromBytes(hdr[off : off+16])
	if err != nil {
		return nil, fmt.Errorf("%w: bad uuid: %v", ErrIndexInvalid, err)
	}
	off += 16
	ctimeUnix := int64(binary.LittleEndian.Uint64(hdr[off:]))
	off += 8
	chunkSize := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	totalSize := binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	var csum digest.Digest
	copy(csum[:], hdr[off:off+digest.Size])

	if chunkSize == 0 {
		return nil, fmt.Errorf("%w: zero chunk size", ErrIndexInvalid)
	}
	count := int((totalSize + chunkSize - 1) / chunkSize)

	return &Fixed{
		f:         f,
		uuid:      id,
		ctime:     time.Unix(ctimeUnix, 0),
		chunkSize: chunkSize,
		totalSize: totalSize,
		csum:      csum,
		count:     count,
	}, nil
}

func (fx *Fixed) Count() int          { return fx.count }
func (fx *Fixed) UUID() uuid.UUID     { return fx.uuid }
func (fx *Fixed) CTime() time.Time    { return fx.ctime }
func (fx *Fixed) Close() error        { return fx.f.Close() }

func (fx *Fixed) Digest(i int) digest.Digest {
	d, err := fx.digestAt(i)
	if err != nil {
		return digest.Digest{}
	}
	return d
}

func (fx *Fixed) digestAt(i int) (digest.Digest, error) {
	if i < 0 || i >= fx.count {
		return digest.Digest{}, fmt.Errorf("index: entry %d out of range [0,%d)", i, fx.count)
	}
	buf := make([]byte, digest.Size)
	at := int64(fixedHeaderSize + i*digest.Size)
	if _, err := readFull(fx.f, at, buf); err != nil {
		return digest.Digest{}, fmt.Errorf("index: read entry %d: %w", i, err)
	}
	var d digest.Digest
	copy(d[:], buf)
	return d, nil
}

func (fx *Fixed) ChunkInfo(i int) (ChunkInfo, error) {
	d, err := fx.digestAt(i)
	if err != nil {
		return ChunkInfo{}, err
	}
	offset := uint64(i) * fx.chunkSize
	size := fx.chunkSize
	if offset+size > fx.totalSize {
		size = fx.totalSize - offset
	}
	return ChunkInfo{Offset: offset, Size: size, Digest: d}, nil
}

// ComputeCSUM re-derives the checksum over the stored digest sequence; the
// result should equal the csum recorded in the header for a healthy index.
func (fx *Fixed) ComputeCSUM() digest.Digest {
	digests := make([]digest.Digest, fx.count)
	for i := range digests {
		digests[i] = fx.Digest(i)
	}
	return computeCSUM(digests)
}

// StoredCSUM returns the checksum recorded in the header. Outside this
// package's tests nothing compares it with ComputeCSUM.
func (fx *Fixed) StoredCSUM() digest.Digest { return fx.csum }

// ChunkSize returns the fixed chunk size this index was written with.
func (fx *Fixed) ChunkSize() uint64 { return fx.chunkSize }

// TotalSize returns the declared total logical size of the archive.
func (fx *Fixed) TotalSize() uint64 { return fx.totalSize }

func readFull(f *os.File, at int64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := f.ReadAt(buf[n:], at+int64(n))
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
