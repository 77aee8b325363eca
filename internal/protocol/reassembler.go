package protocol

// ReassemblerStats counters of discarded input
type ReassemblerStats struct {
	Frames          uint64 // valid frames yielded
	SkippedBytes    uint64 // bytes dropped while resynchronizing
	ChecksumRejects uint64 // full candidates dropped on checksum
}

// Reassembler turns a fragmented byte stream into checksum-valid frames.
// Not safe for concurrent use; one per connection.
type Reassembler struct {
	buf   []byte
	stats ReassemblerStats
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{buf: make([]byte, 0, FrameSize*4)}
}

// Feed appends p and returns every complete valid frame, in stream order.
// A misaligned start or end flag drops exactly one leading byte; a candidate
// with both flags but a bad checksum is dropped whole.
func (r *Reassembler) Feed(p []byte) []Frame {
	r.buf = append(r.buf, p...)

	var frames []Frame
	start := 0
	for len(r.buf)-start >= FrameSize {
		window := r.buf[start:]
		if !hasFlag(window, 0) {
			start++
			r.stats.SkippedBytes++
			continue
		}
		if !hasFlag(window, offEndFlag) {
			start++
			r.stats.SkippedBytes++
			continue
		}
		candidate := window[:FrameSize]
		start += FrameSize

		f, err := Decode(candidate)
		if err != nil {
			r.stats.ChecksumRejects++
			continue
		}
		r.stats.Frames++
		frames = append(frames, f)
	}

	// compact so the buffer does not grow without bound
	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
	}
	return frames
}

// Buffered bytes waiting for more input
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops buffered bytes, used when a new connection starts
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// Stats returns the counters
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}
