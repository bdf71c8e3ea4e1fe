package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrChecksum means a persisted blob failed CRC validation.
	ErrChecksum = errors.New("index blob checksum mismatch")
	// ErrMalformed means a persisted blob could not be parsed.
	ErrMalformed = errors.New("malformed index blob")
	// ErrDimension means a vector's dimension does not match the index.
	ErrDimension = errors.New("vector dimension mismatch")
)

const (
	blobVersion    = 1
	sidecarVersion = 1
)

var (
	blobMagic    = [4]byte{'R', 'S', 'V', 'X'}
	sidecarMagic = [4]byte{'R', 'S', 'V', 'M'}
)

// compactionThreshold is the tombstone fraction above which a rewrite
// pays for itself.
const compactionThreshold = 0.25

type SearchHit struct {
	Slot    int64     `json:"slot"`
	ChunkID uuid.UUID `json:"chunk_id"`
	Score   float64   `json:"score"`
}

// VectorIndex is a flat inner-product index over unit-norm float32
// vectors for one tenant. Slots are assigned contiguously on upsert
// and stay stable until Compact. The index is not goroutine-safe;
// the cache serializes access.
type VectorIndex struct {
	dim        int
	vectors    []float32 // total*dim, row-major
	chunkIDs   []uuid.UUID
	tombstoned []bool
	live       int
}

func New(dim int) *VectorIndex {
	return &VectorIndex{dim: dim}
}

func (ix *VectorIndex) Dimensions() int {
	return ix.dim
}

// Total counts all slots including tombstoned ones.
func (ix *VectorIndex) Total() int {
	return len(ix.tombstoned)
}

func (ix *VectorIndex) Live() int {
	return ix.live
}

// Upsert appends vectors and returns their slots, Total()..Total()+n-1
// in input order.
func (ix *VectorIndex) Upsert(vectors [][]float32, chunkIDs []uuid.UUID) ([]int64, error) {
	if len(vectors) != len(chunkIDs) {
		return nil, fmt.Errorf("upsert: %d vectors for %d chunk ids", len(vectors), len(chunkIDs))
	}
	for i, v := range vectors {
		if len(v) != ix.dim {
			return nil, fmt.Errorf("upsert vector %d: %w: got %d, want %d", i, ErrDimension, len(v), ix.dim)
		}
	}

	slots := make([]int64, len(vectors))
	for i, v := range vectors {
		slots[i] = int64(len(ix.tombstoned))
		ix.vectors = append(ix.vectors, v...)
		ix.chunkIDs = append(ix.chunkIDs, chunkIDs[i])
		ix.tombstoned = append(ix.tombstoned, false)
		ix.live++
	}
	return slots, nil
}

// Search returns the k best inner-product matches over live slots,
// ordered by score descending with ties going to the smaller slot.
func (ix *VectorIndex) Search(query []float32, k int) ([]SearchHit, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("search query: %w: got %d, want %d", ErrDimension, len(query), ix.dim)
	}
	if k <= 0 || ix.live == 0 {
		return nil, nil
	}

	hits := make([]SearchHit, 0, ix.live)
	for slot := 0; slot < len(ix.tombstoned); slot++ {
		if ix.tombstoned[slot] {
			continue
		}
		row := ix.vectors[slot*ix.dim : (slot+1)*ix.dim]
		var dot float64
		for i, q := range query {
			dot += float64(q) * float64(row[i])
		}
		hits = append(hits, SearchHit{Slot: int64(slot), ChunkID: ix.chunkIDs[slot], Score: dot})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Slot < hits[j].Slot
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Remove tombstones the given slots. Unknown or already tombstoned
// slots are ignored.
func (ix *VectorIndex) Remove(slots []int64) {
	for _, slot := range slots {
		if slot < 0 || slot >= int64(len(ix.tombstoned)) {
			continue
		}
		if !ix.tombstoned[slot] {
			ix.tombstoned[slot] = true
			ix.live--
		}
	}
}

func (ix *VectorIndex) NeedsCompaction() bool {
	total := len(ix.tombstoned)
	if total == 0 {
		return false
	}
	return float64(total-ix.live)/float64(total) > compactionThreshold
}

// Compact rewrites live vectors contiguously and returns the old→new
// slot mapping so callers can update their references.
func (ix *VectorIndex) Compact() map[int64]int64 {
	remap := make(map[int64]int64, ix.live)
	vectors := make([]float32, 0, ix.live*ix.dim)
	chunkIDs := make([]uuid.UUID, 0, ix.live)

	for slot := 0; slot < len(ix.tombstoned); slot++ {
		if ix.tombstoned[slot] {
			continue
		}
		remap[int64(slot)] = int64(len(chunkIDs))
		vectors = append(vectors, ix.vectors[slot*ix.dim:(slot+1)*ix.dim]...)
		chunkIDs = append(chunkIDs, ix.chunkIDs[slot])
	}

	ix.vectors = vectors
	ix.chunkIDs = chunkIDs
	ix.tombstoned = make([]bool, len(chunkIDs))
	ix.live = len(chunkIDs)
	return remap
}

// Encode serializes the index into its blob and sidecar forms. Both
// carry a trailing CRC32 so a torn or bit-rotted file is detected on
// load.
func (ix *VectorIndex) Encode() (blob []byte, sidecar []byte, err error) {
	total := len(ix.tombstoned)

	var b bytes.Buffer
	b.Write(blobMagic[:])
	binary.Write(&b, binary.LittleEndian, uint16(blobVersion))
	binary.Write(&b, binary.LittleEndian, uint32(ix.dim))
	binary.Write(&b, binary.LittleEndian, uint32(total))
	binary.Write(&b, binary.LittleEndian, uint32(ix.live))

	bitmap := make([]byte, (total+7)/8)
	for slot, dead := range ix.tombstoned {
		if dead {
			bitmap[slot/8] |= 1 << uint(slot%8)
		}
	}
	b.Write(bitmap)

	if err := binary.Write(&b, binary.LittleEndian, ix.vectors); err != nil {
		return nil, nil, fmt.Errorf("encode vectors: %w", err)
	}
	binary.Write(&b, binary.LittleEndian, crc32.ChecksumIEEE(b.Bytes()))

	var s bytes.Buffer
	s.Write(sidecarMagic[:])
	binary.Write(&s, binary.LittleEndian, uint16(sidecarVersion))
	binary.Write(&s, binary.LittleEndian, uint32(total))
	for _, id := range ix.chunkIDs {
		s.Write(id[:])
	}
	binary.Write(&s, binary.LittleEndian, crc32.ChecksumIEEE(s.Bytes()))

	return b.Bytes(), s.Bytes(), nil
}

// Decode rebuilds an index from its persisted blob and sidecar.
// Checksum failures return ErrChecksum; structural problems return
// ErrMalformed.
func Decode(blob []byte, sidecar []byte) (*VectorIndex, error) {
	if len(blob) < 4+2+4+4+4+4 {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformed)
	}
	payload, stored := blob[:len(blob)-4], binary.LittleEndian.Uint32(blob[len(blob)-4:])
	if crc32.ChecksumIEEE(payload) != stored {
		return nil, ErrChecksum
	}
	if !bytes.Equal(payload[:4], blobMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if v := binary.LittleEndian.Uint16(payload[4:6]); v != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrMalformed, v)
	}

	dim := int(binary.LittleEndian.Uint32(payload[6:10]))
	total := int(binary.LittleEndian.Uint32(payload[10:14]))
	live := int(binary.LittleEndian.Uint32(payload[14:18]))
	if dim <= 0 || total < 0 || live < 0 || live > total {
		return nil, fmt.Errorf("%w: inconsistent header", ErrMalformed)
	}

	bitmapLen := (total + 7) / 8
	want := 18 + bitmapLen + total*dim*4
	if len(payload) != want {
		return nil, fmt.Errorf("%w: blob length %d, want %d", ErrMalformed, len(payload), want)
	}
	bitmap := payload[18 : 18+bitmapLen]

	ix := &VectorIndex{
		dim:        dim,
		vectors:    make([]float32, total*dim),
		tombstoned: make([]bool, total),
	}
	if err := binary.Read(bytes.NewReader(payload[18+bitmapLen:]), binary.LittleEndian, ix.vectors); err != nil {
		return nil, fmt.Errorf("%w: vector payload: %v", ErrMalformed, err)
	}
	for slot := 0; slot < total; slot++ {
		if bitmap[slot/8]&(1<<uint(slot%8)) != 0 {
			ix.tombstoned[slot] = true
		} else {
			ix.live++
		}
	}
	if ix.live != live {
		return nil, fmt.Errorf("%w: live count %d, header says %d", ErrMalformed, ix.live, live)
	}

	if len(sidecar) < 4+2+4+4 {
		return nil, fmt.Errorf("%w: sidecar too short", ErrMalformed)
	}
	spayload, sstored := sidecar[:len(sidecar)-4], binary.LittleEndian.Uint32(sidecar[len(sidecar)-4:])
	if crc32.ChecksumIEEE(spayload) != sstored {
		return nil, ErrChecksum
	}
	if !bytes.Equal(spayload[:4], sidecarMagic[:]) {
		return nil, fmt.Errorf("%w: bad sidecar magic", ErrMalformed)
	}
	if v := binary.LittleEndian.Uint16(spayload[4:6]); v != sidecarVersion {
		return nil, fmt.Errorf("%w: unsupported sidecar version %d", ErrMalformed, v)
	}
	if stotal := int(binary.LittleEndian.Uint32(spayload[6:10])); stotal != total {
		return nil, fmt.Errorf("%w: sidecar has %d slots, blob has %d", ErrMalformed, stotal, total)
	}
	if len(spayload) != 10+total*16 {
		return nil, fmt.Errorf("%w: sidecar length %d, want %d", ErrMalformed, len(spayload), 10+total*16)
	}

	ix.chunkIDs = make([]uuid.UUID, total)
	for slot := 0; slot < total; slot++ {
		copy(ix.chunkIDs[slot][:], spayload[10+slot*16:10+(slot+1)*16])
	}
	return ix, nil
}
