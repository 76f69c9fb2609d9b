package transfer

import (
	"fmt"
	"hash/crc32"
)

// Chunk is one bounded-size slice of a payload sent as a single
// transfer unit over the data characteristic.
type Chunk struct {
	Sequence uint32
	Offset   uint32
	Bytes    []byte
	CRC      uint32
}

// Chunker splits a payload into ordered, size-bounded chunks. It is
// stateless: ChunkAt(k) always produces the same chunk for the same
// (payload, size) pair, which is what makes a NACKed chunk
// reproducible without re-reading the whole payload.
type Chunker struct {
	payload *Payload
	size    int
}

// NewChunker creates a chunker producing chunks of at most chunkSize
// bytes.
func NewChunker(payload *Payload, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	return &Chunker{payload: payload, size: chunkSize}, nil
}

// Count returns the number of chunks covering the payload:
// ceil(total length / chunk size).
func (c *Chunker) Count() int {
	total := int(c.payload.TotalLength())
	return (total + c.size - 1) / c.size
}

// ChunkSize returns the configured chunk size.
func (c *Chunker) ChunkSize() int {
	return c.size
}

// ChunkAt produces the chunk with the given sequence number. The final
// chunk may be shorter than the chunk size; it is never padded.
func (c *Chunker) ChunkAt(seq uint32) (Chunk, error) {
	total := int(c.payload.TotalLength())
	offset := int(seq) * c.size
	if offset >= total {
		return Chunk{}, fmt.Errorf("sequence %d out of range (%d chunks)", seq, c.Count())
	}
	end := offset + c.size
	if end > total {
		end = total
	}
	data := c.payload.Bytes()[offset:end]
	return Chunk{
		Sequence: seq,
		Offset:   uint32(offset),
		Bytes:    data,
		CRC:      crc32.ChecksumIEEE(data),
	}, nil
}
