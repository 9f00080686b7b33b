package metadata

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// metadata is exchanged in blocks (16kB), the last one may be shorter
const BlockSize = 16 * 1024

// NumBlocks returns ceil(size / BlockSize).
func NumBlocks(size int) int {
	return (size + BlockSize - 1) / BlockSize
}

// Buffer holds the metadata blocks received so far. It is not safe for
// concurrent use; the Assembler serializes access.
type Buffer struct {
	data   []byte
	filled *bitset.BitSet
	blocks int
}

func NewBuffer(size int) *Buffer {
	n := NumBlocks(size)
	return &Buffer{
		data:   make([]byte, size),
		filled: bitset.New(uint(n)),
		blocks: n,
	}
}

func (b *Buffer) Size() int { return len(b.data) }

func (b *Buffer) NumBlocks() int { return b.blocks }

// BlockLen is the expected length of block index.
func (b *Buffer) BlockLen(index int) int {
	begin := index * BlockSize
	end := begin + BlockSize
	if end > len(b.data) {
		end = len(b.data)
	}
	return end - begin
}

// Put copies a whole block into place. Writing an index twice overwrites it.
func (b *Buffer) Put(index int, block []byte) error {
	if index < 0 || index >= b.blocks {
		return fmt.Errorf("block index %d out of range [0, %d)", index, b.blocks)
	}
	if want := b.BlockLen(index); len(block) != want {
		return fmt.Errorf("block %d has %d bytes, want %d", index, len(block), want)
	}
	copy(b.data[index*BlockSize:], block)
	b.filled.Set(uint(index))
	return nil
}

func (b *Buffer) Filled() int {
	return int(b.filled.Count())
}

// Complete reports whether every block has been filled.
func (b *Buffer) Complete() bool {
	return b.Filled() == b.blocks
}

// Missing returns the unfilled block indices in ascending order.
func (b *Buffer) Missing() []int {
	var missing []int
	for i := 0; i < b.blocks; i++ {
		if !b.filled.Test(uint(i)) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Reset forgets every block and zeroes the data.
func (b *Buffer) Reset() {
	b.filled.ClearAll()
	for i := range b.data {
		b.data[i] = 0
	}
}

func (b *Buffer) Bytes() []byte {
	return b.data
}
