package transcription

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

// Utterance is one speaker's contiguous run of segments.
type Utterance struct {
	Speaker  string
	Start    time.Duration
	End      time.Duration
	Text     string
	Segments int
}

// Pool shifts each chunk's segments to source time, drops the copies a later
// chunk produced for a window the earlier chunk owns, and returns all
// segments ordered by start time. perChunk[i] belongs to chunks[i]; nil
// entries (chunks that never ran) are skipped.
func Pool(chunks []Chunk, perChunk [][]stt.Segment) []stt.Segment {
	var out []stt.Segment
	for i, segs := range perChunk {
		if i >= len(chunks) {
			break
		}
		c := chunks[i]
		for _, seg := range segs {
			seg.Start += c.Start
			seg.End += c.Start
			if !c.Owns(seg.Midpoint()) {
				continue
			}
			out = append(out, seg)
		}
	}
	slices.SortStableFunc(out, func(a, b stt.Segment) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Merge groups time-ordered segments into utterances, starting a new one
// whenever the speaker label changes. Segments with blank text are ignored.
func Merge(segments []stt.Segment) []Utterance {
	var (
		out  []Utterance
		text []string
	)
	flush := func() {
		if len(out) > 0 && len(text) > 0 {
			out[len(out)-1].Text = strings.Join(text, " ")
		}
		text = text[:0]
	}

	for _, seg := range segments {
		t := strings.TrimSpace(seg.Text)
		if t == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Speaker == seg.Speaker {
			u := &out[n-1]
			u.Start = min(u.Start, seg.Start)
			u.End = max(u.End, seg.End)
			u.Segments++
			text = append(text, t)
			continue
		}
		flush()
		out = append(out, Utterance{Speaker: seg.Speaker, Start: seg.Start, End: seg.End, Segments: 1})
		text = append(text, t)
	}
	flush()
	return out
}

// DisplayName turns a diarizer label SPEAKER_NN into "Speaker NN+1". Other
// labels are returned unchanged.
func DisplayName(label string) string {
	num, ok := strings.CutPrefix(label, "SPEAKER_")
	if !ok {
		return label
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return label
	}
	return fmt.Sprintf("Speaker %d", n+1)
}

// Render formats utterances as "Speaker N: text" lines.
func Render(utterances []Utterance) string {
	var sb strings.Builder
	for i, u := range utterances {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisplayName(u.Speaker))
		sb.WriteString(": ")
		sb.WriteString(u.Text)
	}
	return sb.String()
}
