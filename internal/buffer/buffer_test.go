package buffer

import (
	"bytes"
	"fmt"
	"testing"
)

func TestAppendSequencesStrictlyIncrease(t *testing.T) {
	b := New(1024)

	var last uint64
	for i := 0; i < 20; i++ {
		chunk := b.Append([]byte("line"), Data, "", "")
		if chunk.Sequence <= last {
			t.Fatalf("sequence %d not greater than previous %d", chunk.Sequence, last)
		}
		last = chunk.Sequence
	}
	if b.CurrentSequence() != 20 {
		t.Errorf("expected current sequence 20, got %d", b.CurrentSequence())
	}
}

func TestReplayFromReturnsOnlyNewer(t *testing.T) {
	b := New(1024)
	for i := 1; i <= 5; i++ {
		b.Append([]byte(fmt.Sprintf("chunk-%d", i)), Data, "", "")
	}

	chunks := b.ReplayFrom(2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks after seq 2, got %d", len(chunks))
	}
	prev := uint64(2)
	for _, c := range chunks {
		if c.Sequence <= prev {
			t.Errorf("replay out of order: %d after %d", c.Sequence, prev)
		}
		prev = c.Sequence
	}
	if !bytes.Equal(chunks[0].Payload, []byte("chunk-3")) {
		t.Errorf("expected first replayed chunk payload chunk-3, got %q", chunks[0].Payload)
	}
}

func TestReplayAheadOfCurrentIsEmpty(t *testing.T) {
	b := New(1024)
	b.Append([]byte("x"), Data, "", "")

	if chunks := b.ReplayFrom(99); chunks != nil {
		t.Errorf("expected nil replay ahead of current, got %d chunks", len(chunks))
	}
}

func TestEvictionKeepsMonotonicSequences(t *testing.T) {
	b := New(32)

	// Each payload is 16 bytes, so only two fit at a time.
	payload := bytes.Repeat([]byte("a"), 16)
	for i := 0; i < 10; i++ {
		b.Append(payload, Data, "", "")
	}

	stats := b.Stats()
	if stats.ChunkCount != 2 {
		t.Fatalf("expected 2 retained chunks, got %d", stats.ChunkCount)
	}
	if stats.OldestSequence != 9 || stats.NewestSequence != 10 {
		t.Errorf("expected retained range [9,10], got [%d,%d]", stats.OldestSequence, stats.NewestSequence)
	}
	// Sequences 1..8 are gone for good; replay from 0 starts at 9.
	chunks := b.ReplayFrom(0)
	if len(chunks) != 2 || chunks[0].Sequence != 9 {
		t.Errorf("expected replay to start at evicted boundary 9, got %+v", chunks)
	}
}

func TestOversizePayloadStillStored(t *testing.T) {
	b := New(16)
	b.Append([]byte("small"), Data, "", "")

	big := bytes.Repeat([]byte("b"), 64)
	chunk := b.Append(big, Data, "", "")

	stats := b.Stats()
	if stats.ChunkCount != 1 {
		t.Fatalf("expected only the oversize chunk retained, got %d", stats.ChunkCount)
	}
	if stats.NewestSequence != chunk.Sequence {
		t.Errorf("oversize chunk not retained")
	}
}

func TestLastSequenceEmptyBufferIsZero(t *testing.T) {
	b := New(1024)
	if b.LastSequence() != 0 {
		t.Errorf("expected 0 on empty buffer, got %d", b.LastSequence())
	}

	b.Append([]byte("x"), Data, "", "")
	b.Clear()
	if b.LastSequence() != 0 {
		t.Errorf("expected 0 after clear, got %d", b.LastSequence())
	}
	// Counter survives Clear.
	if b.CurrentSequence() != 1 {
		t.Errorf("expected current sequence 1 after clear, got %d", b.CurrentSequence())
	}
}

func TestGMCPChunksKeepTag(t *testing.T) {
	b := New(1024)
	b.Append([]byte(`Char.Vitals {"hp":100}`), GMCP, "Char.Vitals", `{"hp":100}`)

	chunks := b.ReplayFrom(0)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Kind != GMCP || chunks[0].GMCPPackage != "Char.Vitals" {
		t.Errorf("gmcp tag lost on replay: %+v", chunks[0])
	}
}

func TestAppendCopiesPayload(t *testing.T) {
	b := New(1024)
	p := []byte("original")
	b.Append(p, Data, "", "")
	copy(p, "mutated!")

	chunks := b.ReplayFrom(0)
	if !bytes.Equal(chunks[0].Payload, []byte("original")) {
		t.Errorf("stored payload aliased caller slice: %q", chunks[0].Payload)
	}
}
