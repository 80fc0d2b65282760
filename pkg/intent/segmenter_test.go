package intent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegmenter() *Segmenter {
	return NewSegmenter(NewLexiconTagger(), nil)
}

func TestSegmentEmptyInput(t *testing.T) {
	s := newTestSegmenter()
	assert.Empty(t, s.Segment(""))
	assert.Empty(t, s.Segment("   \t  "))
}

func TestSegmentSingleChatSentence(t *testing.T) {
	s := newTestSegmenter()

	segs := s.Segment("tell me a story about your day")

	require.Len(t, segs, 1)
	assert.Equal(t, IntentChat, segs[0].Intent)
	assert.Equal(t, PriorityChat, segs[0].Priority)
	assert.Greater(t, segs[0].Confidence, 0.0)
}

func TestSegmentCompoundWorkThenChat(t *testing.T) {
	s := newTestSegmenter()

	segs := s.Segment("Check the weather in Taipei and then let's talk about it")

	require.Len(t, segs, 2)
	assert.Equal(t, IntentWork, segs[0].Intent)
	assert.Contains(t, segs[0].Text, "weather in Taipei")
	assert.Equal(t, PriorityWork, segs[0].Priority)

	assert.Equal(t, IntentChat, segs[1].Intent)
	assert.Contains(t, segs[1].Text, "talk about it")
	assert.Equal(t, PriorityChat, segs[1].Priority)
}

func TestSameIntentBridgesUnknownRun(t *testing.T) {
	s := newTestSegmenter()

	// "the" is untagged; the two WORK tokens around it must fuse.
	segs := s.Segment("check the weather")

	require.Len(t, segs, 1)
	assert.Equal(t, IntentWork, segs[0].Intent)
	assert.Equal(t, "check the weather", segs[0].Text)
}

func TestHardBoundaryBlocksMerge(t *testing.T) {
	s := newTestSegmenter()

	segs := s.Segment("Check the disk. Check the files.")

	require.Len(t, segs, 2)
	assert.Equal(t, IntentWork, segs[0].Intent)
	assert.Equal(t, IntentWork, segs[1].Intent)
	assert.Contains(t, segs[0].Text, "disk")
	assert.Contains(t, segs[1].Text, "files")
}

func TestResponseBridging(t *testing.T) {
	s := newTestSegmenter()

	segs := s.Segment("Yes, that is correct")

	require.Len(t, segs, 1)
	assert.Equal(t, IntentResponse, segs[0].Intent)
	assert.Equal(t, PriorityResponse, segs[0].Priority)
}

func TestShortSegments(t *testing.T) {
	s := newTestSegmenter()

	tests := []struct {
		name string
		text string
		want Type
	}{
		{"short greeting", "Yo", IntentCall},
		{"short greeting punctuated", "hi!", IntentCall},
		{"short non-greeting", "uh", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := s.Segment(tt.text)
			require.Len(t, segs, 1)
			assert.Equal(t, tt.want, segs[0].Intent)
		})
	}
}

func TestUntaggedInputStaysUnknown(t *testing.T) {
	s := newTestSegmenter()

	segs := s.Segment("lorem ipsum dolor")

	require.Len(t, segs, 1)
	assert.Equal(t, IntentUnknown, segs[0].Intent)
	assert.Zero(t, segs[0].Priority)
}

func TestSegmentsCoverInput(t *testing.T) {
	s := newTestSegmenter()
	input := "Check the weather in Taipei and then let's talk about it"

	segs := s.Segment(input)

	var joined []string
	for _, seg := range segs {
		joined = append(joined, seg.Text)
	}
	assert.Equal(t, strings.Fields(input), strings.Fields(strings.Join(joined, " ")),
		"every input token lands in exactly one segment, in order")
}

func TestNormalizeIdempotent(t *testing.T) {
	s := newTestSegmenter()

	inputs := []string{
		"Check the weather in Taipei and then let's talk about it",
		"Yes, that is correct",
		"Check the disk. Check the files.",
		"hi!",
		"lorem ipsum dolor",
	}
	for _, input := range inputs {
		once := s.Segment(input)
		again := Normalize(append([]Segment(nil), once...))
		assert.Equal(t, once, again, "input %q", input)
	}
}
