package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignSpeakersLargestOverlap(t *testing.T) {
	segs := []Segment{{Start: 0, End: 10, Text: " hello "}}
	turns := []Turn{{Start: 0, End: 4, Speaker: "A"}, {Start: 4, End: 10, Speaker: "B"}}

	got := AssignSpeakers(segs, turns)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Speaker)
	assert.Equal(t, "hello", got[0].Text)
}

func TestAssignSpeakersMidpointFallback(t *testing.T) {
	// Zero-length segment has no positive overlap with anything.
	segs := []Segment{{Start: 5, End: 5, Text: "x"}}
	turns := []Turn{{Start: 0, End: 2, Speaker: "A"}, {Start: 4, End: 6, Speaker: "C"}}

	got := AssignSpeakers(segs, turns)
	assert.Equal(t, "C", got[0].Speaker)
}

func TestAssignSpeakersUnknown(t *testing.T) {
	segs := []Segment{{Start: 20, End: 21, Text: "x"}}
	turns := []Turn{{Start: 0, End: 2, Speaker: "A"}}

	assert.Equal(t, UnknownSpeaker, AssignSpeakers(segs, turns)[0].Speaker)
	assert.Equal(t, UnknownSpeaker, AssignSpeakers(segs, nil)[0].Speaker)
}

func TestAssignSpeakersTieKeepsFirst(t *testing.T) {
	segs := []Segment{{Start: 0, End: 4, Text: "x"}}
	turns := []Turn{{Start: 0, End: 2, Speaker: "first"}, {Start: 2, End: 4, Speaker: "second"}}

	assert.Equal(t, "first", AssignSpeakers(segs, turns)[0].Speaker)
}

func TestGroupConsecutiveSpeakers(t *testing.T) {
	labeled := []Labeled{
		{Segment: Segment{Start: 0, End: 2, Text: "hi"}, Speaker: "A"},
		{Segment: Segment{Start: 2, End: 4, Text: "there"}, Speaker: "A"},
		{Segment: Segment{Start: 4, End: 6, Text: "bye"}, Speaker: "B"},
	}
	mapping, order := SpeakerMapping(labeled)
	assert.Equal(t, []string{"Speaker 1", "Speaker 2"}, order)

	turns := Group(labeled, mapping)
	require.Len(t, turns, 2)
	assert.Equal(t, Entry{Timestamp: "00:00", Speaker: "Speaker 1", Text: "hi there", Start: 0, End: 4}, turns[0])
	assert.Equal(t, Entry{Timestamp: "00:04", Speaker: "Speaker 2", Text: "bye", Start: 4, End: 6}, turns[1])
}

func TestGroupLabelChangeBack(t *testing.T) {
	labeled := []Labeled{
		{Segment: Segment{Start: 0, End: 1, Text: "a"}, Speaker: "SPEAKER_01"},
		{Segment: Segment{Start: 1, End: 2, Text: "b"}, Speaker: "SPEAKER_00"},
		{Segment: Segment{Start: 2, End: 3, Text: "c"}, Speaker: "SPEAKER_01"},
	}
	mapping, _ := SpeakerMapping(labeled)
	assert.Equal(t, "Speaker 1", mapping["SPEAKER_01"])

	turns := Group(labeled, mapping)
	require.Len(t, turns, 3)
	assert.Equal(t, "Speaker 1", turns[2].Speaker)
}

func TestWithSpeakersRendering(t *testing.T) {
	segs := []Segment{
		{Start: 0, End: 2, Text: "hi"},
		{Start: 2, End: 4, Text: "there"},
		{Start: 4, End: 6, Text: "bye"},
	}
	turns := []Turn{{Start: 0, End: 4, Speaker: "SPK_9"}, {Start: 4, End: 6, Speaker: "SPK_2"}}

	res := Assemble(segs, turns, DiarizationSuccess, "")
	assert.Equal(t, DiarizationSuccess, res.DiarizationStatus)
	assert.Equal(t, []string{"Speaker 1", "Speaker 2"}, res.Speakers)
	assert.Equal(t, "[00:00] Speaker 1:\nhi there\n\n[00:04] Speaker 2:\nbye", res.FullText)
}

func TestUnknownIsDistinctSpeaker(t *testing.T) {
	segs := []Segment{{Start: 0, End: 1, Text: "a"}, {Start: 50, End: 51, Text: "b"}}
	turns := []Turn{{Start: 0, End: 1, Speaker: "A"}}

	res := WithSpeakers(segs, turns)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "Speaker 2", res.Segments[1].Speaker)
}

func TestPlainRendering(t *testing.T) {
	segs := []Segment{{Start: 0, End: 2, Text: " one "}, {Start: 3661.9, End: 3663, Text: "two"}}

	res := Assemble(segs, []Turn{{Start: 0, End: 9, Speaker: "A"}}, DiarizationFailed, "boom")
	assert.Nil(t, res.Speakers)
	assert.Equal(t, "one two", res.FullText)
	assert.Equal(t, "boom", res.DiarizationError)
	require.Len(t, res.Segments, 2)
	assert.Empty(t, res.Segments[0].Speaker)
	assert.Equal(t, "1:01:01", res.Segments[1].Timestamp)
}

func TestEmptyInputs(t *testing.T) {
	res := WithSpeakers(nil, nil)
	assert.NotNil(t, res.Segments)
	assert.Empty(t, res.FullText)

	res = Plain(nil, DiarizationSkipped, "")
	assert.NotNil(t, res.Segments)
}

func TestFormatTimestamp(t *testing.T) {
	cases := map[float64]string{
		0:       "00:00",
		59.99:   "00:59",
		61:      "01:01",
		3599.9:  "59:59",
		3600:    "1:00:00",
		36061.5: "10:01:01",
		-3:      "00:00",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatTimestamp(in), "input %v", in)
	}
}

func TestDiarizationStatusValid(t *testing.T) {
	assert.True(t, DiarizationSkipped.Valid())
	assert.False(t, DiarizationStatus("maybe").Valid())
}
