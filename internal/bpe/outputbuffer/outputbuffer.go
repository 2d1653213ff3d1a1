// Package outputbuffer implements the bounded ring of stdout/stderr bytes
// each ProcessRecord owns, with byte-accurate offsets so late subscribers
// can resume a tail from wherever they last read.
package outputbuffer

import "sync"

// Phase is a transient, advisory hint a UI may render ("compacting output")
// while a post-processing pass runs over the buffer. It never affects the
// buffer's own invariants.
type Phase string

const (
	PhaseLive      Phase = "live"
	PhaseFiltering Phase = "filtering"
)

// DefaultMaxTotalBytes is the default retention cap.
const DefaultMaxTotalBytes = 1 << 20 // 1 MiB

// Segment records which byte range within the retained window came from
// which stream, so a caller that wants to render stdout/stderr separately
// can still recover that distinction from the combined buffer.
type Segment struct {
	Offset  int64 // absolute offset (in the buffer's lifetime) of the first byte
	Length  int64
	IsError bool
}

// Snapshot is a read-only view returned by Read/Tail; safe to hold across
// suspension points since it owns its own copy of the bytes.
type Snapshot struct {
	Text           []byte
	Segments       []Segment
	NextOffset     int64
	TruncatedStart bool
	Truncated      bool // true if the buffer has ever dropped bytes from its head
}

// Buffer is a fixed-capacity tail buffer for concatenated stdout+stderr.
// All operations are serialized by a single mutex (§5: "one mutex ... per
// buffer").
type Buffer struct {
	mu sync.Mutex

	maxBytes int64

	retained    []byte
	windowStart int64 // absolute offset of retained[0]
	segments    []Segment

	truncated bool
	phase     Phase
}

// New builds a Buffer capped at maxBytes (DefaultMaxTotalBytes if <= 0).
func New(maxBytes int64) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTotalBytes
	}
	return &Buffer{maxBytes: maxBytes, phase: PhaseLive}
}

// Append adds chunk (from stdout if !isError, stderr if isError) to the
// buffer in append order, dropping from the head by whole bytes whenever
// the retained total exceeds maxBytes. It returns the offset the next
// append will start at.
func (b *Buffer) Append(chunk []byte, isError bool) int64 {
	if len(chunk) == 0 {
		b.mu.Lock()
		next := b.windowStart + int64(len(b.retained))
		b.mu.Unlock()
		return next
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	absStart := b.windowStart + int64(len(b.retained))
	b.retained = append(b.retained, chunk...)
	b.segments = append(b.segments, Segment{Offset: absStart, Length: int64(len(chunk)), IsError: isError})

	if over := int64(len(b.retained)) - b.maxBytes; over > 0 {
		b.retained = b.retained[over:]
		b.windowStart += over
		b.truncated = true
		b.pruneSegmentsLocked()
	}

	return b.windowStart + int64(len(b.retained))
}

// pruneSegmentsLocked drops or trims segments that have fallen entirely or
// partially before windowStart. Caller must hold mu.
func (b *Buffer) pruneSegmentsLocked() {
	kept := b.segments[:0]
	for _, seg := range b.segments {
		end := seg.Offset + seg.Length
		if end <= b.windowStart {
			continue
		}
		if seg.Offset < b.windowStart {
			trimmed := b.windowStart - seg.Offset
			seg.Offset = b.windowStart
			seg.Length -= trimmed
		}
		kept = append(kept, seg)
	}
	b.segments = kept
}

// TailBytes returns the last min(n, stored) retained bytes.
func (b *Buffer) TailBytes(n int64) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > int64(len(b.retained)) {
		n = int64(len(b.retained))
	}
	start := int64(len(b.retained)) - n

	return Snapshot{
		Text:           cloneBytes(b.retained[start:]),
		Segments:       b.segmentsFromLocked(b.windowStart + start),
		NextOffset:     b.windowStart + int64(len(b.retained)),
		TruncatedStart: start > 0 && b.windowStart > 0,
		Truncated:      b.truncated,
	}
}

// Read returns the retained bytes from fromOffset onward. If fromOffset has
// already fallen out of the window, it returns the entire window instead
// and reports TruncatedStart.
func (b *Buffer) Read(fromOffset int64) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	nextOffset := b.windowStart + int64(len(b.retained))

	if fromOffset < b.windowStart {
		return Snapshot{
			Text:           cloneBytes(b.retained),
			Segments:       b.segmentsFromLocked(b.windowStart),
			NextOffset:     nextOffset,
			TruncatedStart: true,
			Truncated:      b.truncated,
		}
	}

	idx := fromOffset - b.windowStart
	if idx > int64(len(b.retained)) {
		idx = int64(len(b.retained))
	}

	return Snapshot{
		Text:           cloneBytes(b.retained[idx:]),
		Segments:       b.segmentsFromLocked(fromOffset),
		NextOffset:     nextOffset,
		TruncatedStart: false,
		Truncated:      b.truncated,
	}
}

func (b *Buffer) segmentsFromLocked(fromOffset int64) []Segment {
	var out []Segment
	for _, seg := range b.segments {
		end := seg.Offset + seg.Length
		if end <= fromOffset {
			continue
		}
		if seg.Offset < fromOffset {
			trimmed := fromOffset - seg.Offset
			seg.Offset = fromOffset
			seg.Length -= trimmed
		}
		out = append(out, seg)
	}
	return out
}

// NextOffset returns the offset the next Append will start at.
func (b *Buffer) NextOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windowStart + int64(len(b.retained))
}

// SetPhase updates the advisory phase hint.
func (b *Buffer) SetPhase(p Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = p
}

// Phase returns the current advisory phase hint.
func (b *Buffer) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
