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

// dynamicHeaderSize: format.Header + UUID + ctime + csum + reserved.
const dynamicHeaderSize = format.HeaderSize + 16 + 8 + digest.Size + headerReservedSize

// dynamicRecordSize: end_offset (u64) + digest.
const dynamicRecordSize = 8 + digest.Size

// Dynamic is a read-only view of a variable-size (content-defined
// chunking) index file: each entry is (end_offset, digest), offsets
// monotonically increasing (spec.md §4.3).
type Dynamic struct {
	f     *os.File
	uuid  uuid.UUID
	ctime time.Time
	csum  digest.Digest
	count int
}

// OpenDynamic opens and validates an existing dynamic index file.
func OpenDynamic(path string) (*Dynamic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dynamic index %s: %w", path, err)
	}
	dx, err := parseDynamicHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return dx, nil
}

func parseDynamicHeader(f *os.File) (*Dynamic, error) {
	hdr := make([]byte, dynamicHeaderSize)
	if _, err := readFull(f, 0, hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrIndexInvalid, err)
	}
	if _, err := format.DecodeAndValidate(hdr, format.TypeIndexDynamic, 1); err != nil {
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
	var csum digest.Digest
	copy(csum[:], hdr[off:off+digest.Size])

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat: %v", ErrIndexInvalid, err)
	}
	bodyLen := info.Size() - dynamicHeaderSize
	if bodyLen < 0 || bodyLen%dynamicRecordSize != 0 {
		return nil, fmt.Errorf("%w: truncated record array", ErrIndexInvalid)
	}

	return &Dynamic{
		f:     f,
		uuid:  id,
		ctime: time.Unix(ctimeUnix, 0),
		csum:  csum,
		count: int(bodyLen / dynamicRecordSize),
	}, nil
}

func (dx *Dynamic) Count() int       { return dx.count }
func (dx *Dynamic) UUID() uuid.UUID  { return dx.uuid }
func (dx *Dynamic) CTime() time.Time { return dx.ctime }
func (dx *Dynamic) Close() error     { return dx.f.Close() }

func (dx *Dynamic) recordAt(i int) (endOffset uint64, d digest.Digest, err error) {
	if i < 0 || i >= dx.count {
		return 0, digest.Digest{}, fmt.Errorf("index: entry %d out of range [0,%d)", i, dx.count)
	}
	buf := make([]byte, dynamicRecordSize)
	at := int64(dynamicHeaderSize + i*dynamicRecordSize)
	if _, err := readFull(dx.f, at, buf); err != nil {
		return 0, digest.Digest{}, fmt.Errorf("index: read entry %d: %w", i, err)
	}
	endOffset = binary.LittleEndian.Uint64(buf)
	copy(d[:], buf[8:])
	return endOffset, d, nil
}

func (dx *Dynamic) Digest(i int) digest.Digest {
	_, d, err := dx.recordAt(i)
	if err != nil {
		return digest.Digest{}
	}
	return d
}

func (dx *Dynamic) ChunkInfo(i int) (ChunkInfo, error) {
	end, d, err := dx.recordAt(i)
	if err != nil {
		return ChunkInfo{}, err
	}
	var start uint64
	if i > 0 {
		start, _, err = dx.recordAt(i - 1)
		if err != nil {
			return ChunkInfo{}, err
		}
	}
	return ChunkInfo{Offset: start, Size: end - start, Digest: d}, nil
}

// ComputeCSUM re-derives the checksum over the stored digest sequence.
func (dx *Dynamic) ComputeCSUM() digest.Digest {
	digests := make([]digest.Digest, dx.count)
	for i := range digests {
		digests[i] = dx.Digest(i)
	}
	return computeCSUM(digests)
}

// StoredCSUM returns the checksum recorded in the header.
func (dx *Dynamic) StoredCSUM() digest.Digest { return dx.csum }
