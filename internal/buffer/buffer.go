// Package buffer implements the bounded, sequence-numbered output log that
// backs session resume. Every byte the MUD sends is appended here before it
// is broadcast, so a client that reconnects can replay everything it missed.
package buffer

import (
	"sync"
	"time"
)

// Kind tags what a chunk carries: raw server text or an extracted GMCP message.
type Kind int

const (
	Data Kind = iota
	GMCP
)

// Chunk is one retained unit of server output.
type Chunk struct {
	Sequence    uint64
	Timestamp   time.Time
	Kind        Kind
	Payload     []byte
	GMCPPackage string
	GMCPData    string
}

// Stats describes the current occupancy of an OutputBuffer.
type Stats struct {
	ChunkCount     int
	UsedBytes      int
	CapacityBytes  int
	OldestSequence uint64
	NewestSequence uint64
}

// OutputBuffer is a byte-capacity FIFO of chunks. Sequence numbers are a
// monotonic counter independent of occupancy: eviction creates gaps in the
// retained range but never reuses a number.
type OutputBuffer struct {
	mu       sync.Mutex
	capacity int
	used     int
	chunks   []Chunk
	sequence uint64
}

// New creates an OutputBuffer with the given soft byte capacity.
func New(capacityBytes int) *OutputBuffer {
	if capacityBytes <= 0 {
		capacityBytes = 50 * 1024
	}
	return &OutputBuffer{
		capacity: capacityBytes,
		chunks:   make([]Chunk, 0, 64),
	}
}

// Append stores a new chunk, evicting the oldest chunks until it fits, and
// returns the stored chunk. The capacity is a soft cap: a single payload
// larger than the whole buffer is still stored after everything else is
// evicted. The payload is copied; callers may reuse their slice.
func (b *OutputBuffer) Append(payload []byte, kind Kind, gmcpPackage, gmcpData string) Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	chunk := Chunk{
		Sequence:    b.sequence,
		Timestamp:   time.Now(),
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		GMCPPackage: gmcpPackage,
		GMCPData:    gmcpData,
	}

	for len(b.chunks) > 0 && b.used+len(chunk.Payload) > b.capacity {
		b.used -= len(b.chunks[0].Payload)
		b.chunks = b.chunks[1:]
	}

	b.chunks = append(b.chunks, chunk)
	b.used += len(chunk.Payload)
	return chunk
}

// ReplayFrom returns, in order, every retained chunk with sequence > seq.
// A seq at or beyond the newest sequence yields an empty result, not an error.
func (b *OutputBuffer) ReplayFrom(seq uint64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, chunk := range b.chunks {
		if chunk.Sequence > seq {
			out := make([]Chunk, len(b.chunks)-i)
			copy(out, b.chunks[i:])
			return out
		}
	}
	return nil
}

// LastSequence returns the sequence of the newest retained chunk, or 0 when
// the buffer is empty. Callers treat 0 as "none".
func (b *OutputBuffer) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return 0
	}
	return b.chunks[len(b.chunks)-1].Sequence
}

// CurrentSequence returns the last assigned sequence number, which survives
// eviction and Clear.
func (b *OutputBuffer) CurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// Clear drops all retained chunks. The sequence counter is not reset.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = b.chunks[:0]
	b.used = 0
}

// Stats returns a snapshot of buffer occupancy.
func (b *OutputBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		ChunkCount:    len(b.chunks),
		UsedBytes:     b.used,
		CapacityBytes: b.capacity,
	}
	if len(b.chunks) > 0 {
		s.OldestSequence = b.chunks[0].Sequence
		s.NewestSequence = b.chunks[len(b.chunks)-1].Sequence
	}
	return s
}
