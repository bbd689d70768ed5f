package transcription

import "time"

// Chunk is a time window of the source audio transcribed on its own.
//
// Chunks tile the source: chunk k starts where k-1's non-overlapped part
// ends. Overlap is the trailing window shared with the next chunk and Lead is
// the leading window shared with the previous one. Segments inside a shared
// window belong to the earlier chunk, see [Chunk.Owns].
type Chunk struct {
	Index   int
	Start   time.Duration
	End     time.Duration
	Overlap time.Duration
	Lead    time.Duration
	Last    bool
}

// Duration returns End - Start.
func (c Chunk) Duration() time.Duration { return c.End - c.Start }

// Owns reports whether an absolute timestamp t falls in the part of the
// source this chunk is authoritative for: [Start+Lead, End), closed at the
// end for the last chunk.
func (c Chunk) Owns(t time.Duration) bool {
	if t < c.Start+c.Lead {
		return false
	}
	if c.Last {
		return t <= c.End
	}
	return t < c.End
}

// SplitChunks plans the chunks for audio of length total. Audio up to
// threshold (inclusive) is a single chunk. Longer audio is cut every size
// with overlap added to the end of every chunk but the last.
func SplitChunks(total, threshold, size, overlap time.Duration) []Chunk {
	if total <= 0 {
		return nil
	}
	if total <= threshold || size <= 0 || size >= total {
		return []Chunk{{Start: 0, End: total, Last: true}}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []Chunk
	var lead time.Duration
	for start := time.Duration(0); start < total; start += size {
		c := Chunk{Index: len(chunks), Start: start, Lead: lead}
		if start+size >= total {
			c.End = total
			c.Last = true
		} else {
			c.End = min(start+size+overlap, total)
			c.Overlap = c.End - (start + size)
		}
		chunks = append(chunks, c)
		lead = c.Overlap
	}
	return chunks
}
