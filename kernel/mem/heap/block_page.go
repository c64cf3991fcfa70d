package heap

import (
	"math"
	"math/bits"
)

const (
	// BlockSize is the allocation granularity of the heap.
	BlockSize = 16

	sectionCount  = 4
	sectionLen    = 64
	blocksPerPage = sectionCount * sectionLen

	// blockPageSize is the size in bytes of a BlockPage.
	blockPageSize = sectionCount * 8

	// blockPagesPerMetaPage is the number of BlockPages stored in one page
	// of allocator metadata.
	blockPagesPerMetaPage = 4096 / blockPageSize

	// blocksPerMetaPage is the number of blocks tracked by one page of
	// allocator metadata.
	blocksPerMetaPage = blockPagesPerMetaPage * blocksPerPage
)

// BlockPage tracks the 256 blocks of one heap page, one bit per block. Bit i
// of section s covers block s*64+i of the page. A set bit marks a block in
// use.
type BlockPage [sectionCount]uint64

// metaPage is one page of allocator metadata.
type metaPage [blockPagesPerMetaPage]BlockPage

// IsEmpty returns true if no block of the page is in use.
func (p *BlockPage) IsEmpty() bool {
	return p[0]|p[1]|p[2]|p[3] == 0
}

// IsFull returns true if every block of the page is in use.
func (p *BlockPage) IsFull() bool {
	return p[0]&p[1]&p[2]&p[3] == math.MaxUint64
}

// SetEmpty marks every block of the page as free.
func (p *BlockPage) SetEmpty() {
	*p = BlockPage{}
}

// SetFull marks every block of the page as in use.
func (p *BlockPage) SetFull() {
	*p = BlockPage{math.MaxUint64, math.MaxUint64, math.MaxUint64, math.MaxUint64}
}

// UsedBlocks returns the number of blocks in use.
func (p *BlockPage) UsedBlocks() int {
	return bits.OnesCount64(p[0]) + bits.OnesCount64(p[1]) + bits.OnesCount64(p[2]) + bits.OnesCount64(p[3])
}

// sectionMask returns the bits of the section starting at block base that
// fall inside the block range [start, end).
func sectionMask(start, end, base uint64) uint64 {
	lo, hi := max(start, base), min(end, base+sectionLen)
	if lo >= hi {
		return 0
	}

	mask := uint64(math.MaxUint64)
	if n := hi - lo; n < sectionLen {
		mask = 1<<n - 1
	}
	return mask << (lo - base)
}

// sectionState records whether a section held any set bit before and after
// an update.
type sectionState struct {
	hadBits bool
	hasBits bool
}

func (s sectionState) isEmpty() bool   { return !s.hadBits && !s.hasBits }
func (s sectionState) isAlloc() bool   { return !s.hadBits && s.hasBits }
func (s sectionState) isDealloc() bool { return s.hadBits && !s.hasBits }

// shouldAlloc reports whether an update took the page from empty to
// non-empty: some section gained its first bit and no section held bits
// before.
func shouldAlloc(states []sectionState) bool {
	anyAlloc := false
	for _, s := range states {
		switch {
		case s.isAlloc():
			anyAlloc = true
		case !s.isEmpty():
			return false
		}
	}
	return anyAlloc
}

// shouldDealloc reports whether an update took the page from non-empty to
// empty.
func shouldDealloc(states []sectionState) bool {
	anyDealloc := false
	for _, s := range states {
		switch {
		case s.isDealloc():
			anyDealloc = true
		case !s.isEmpty():
			return false
		}
	}
	return anyDealloc
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}
