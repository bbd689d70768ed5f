package transcription

import (
	"testing"
	"time"

	"github.com/MrWong99/meetflow/pkg/provider/stt"
)

func seg(start, end time.Duration, speaker, text string) stt.Segment {
	return stt.Segment{Start: start, End: end, Speaker: speaker, Text: text}
}

func TestMerge_SpeakerRuns(t *testing.T) {
	s := time.Second
	segments := []stt.Segment{
		seg(0, 2*s, "A", "hello"),
		seg(2*s, 4*s, "A", "everyone"),
		seg(4*s, 5*s, "B", "hi"),
		seg(5*s, 7*s, "B", "there"),
		seg(7*s, 9*s, "A", "let's start"),
	}

	got := Merge(segments)
	want := []Utterance{
		{Speaker: "A", Start: 0, End: 4 * s, Text: "hello everyone", Segments: 2},
		{Speaker: "B", Start: 4 * s, End: 7 * s, Text: "hi there", Segments: 2},
		{Speaker: "A", Start: 7 * s, End: 9 * s, Text: "let's start", Segments: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d utterances, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("utterance %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMerge_SkipsBlankText(t *testing.T) {
	got := Merge([]stt.Segment{
		seg(0, time.Second, "A", "  "),
		seg(time.Second, 2*time.Second, "B", "only"),
		seg(2*time.Second, 3*time.Second, "A", ""),
	})
	if len(got) != 1 || got[0].Speaker != "B" || got[0].Text != "only" {
		t.Errorf("got %+v, want a single B utterance", got)
	}
	if Merge(nil) != nil {
		t.Error("Merge(nil) should be nil")
	}
}

func TestPool_PrefersEarlierChunkInOverlap(t *testing.T) {
	chunks := SplitChunks(25*time.Minute, 20*time.Minute, 10*time.Minute, 5*time.Second)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	perChunk := [][]stt.Segment{
		{
			seg(9*time.Minute, 9*time.Minute+30*time.Second, "SPEAKER_00", "before boundary"),
			seg(10*time.Minute+time.Second, 10*time.Minute+3*time.Second, "SPEAKER_00", "boundary words"),
		},
		{
			// Same words seen by the next chunk, labelled differently.
			seg(time.Second, 3*time.Second, "SPEAKER_01", "boundary words"),
			seg(6*time.Second, 8*time.Second, "SPEAKER_01", "after overlap"),
		},
		nil, // never ran
	}

	got := Pool(chunks, perChunk)
	if len(got) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(got), got)
	}
	if got[1].Text != "boundary words" || got[1].Speaker != "SPEAKER_00" {
		t.Errorf("overlap segment = %+v, want the earlier chunk's copy", got[1])
	}
	if got[2].Start != 10*time.Minute+6*time.Second {
		t.Errorf("later chunk segment start = %s, want shifted to 10m6s", got[2].Start)
	}
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"SPEAKER_00": "Speaker 1",
		"SPEAKER_01": "Speaker 2",
		"SPEAKER_11": "Speaker 12",
		"SPEAKER_X":  "SPEAKER_X",
		"Alice":      "Alice",
		"":           "",
	}
	for in, want := range tests {
		if got := DisplayName(in); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRender(t *testing.T) {
	got := Render([]Utterance{
		{Speaker: "SPEAKER_00", Text: "Welcome."},
		{Speaker: "SPEAKER_01", Text: "Thanks."},
	})
	want := "Speaker 1: Welcome.\nSpeaker 2: Thanks."
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}
