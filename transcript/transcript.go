// Package transcript merges recognized text segments with diarized speaker
// turns into display-ready transcripts.
package transcript

import (
	"fmt"
	"strings"
)

// UnknownSpeaker labels a segment that no diarization turn covers.
const UnknownSpeaker = "UNKNOWN"

// Segment is one time-bounded unit of recognized text. Times are seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Turn attributes an interval to one anonymous diarization label.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Labeled is a segment with its raw diarization label.
type Labeled struct {
	Segment
	Speaker string
}

// DiarizationStatus records whether speaker labels are present and why not.
type DiarizationStatus string

const (
	DiarizationSuccess DiarizationStatus = "success"
	DiarizationFailed  DiarizationStatus = "failed"
	DiarizationSkipped DiarizationStatus = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s DiarizationStatus) Valid() bool {
	switch s {
	case DiarizationSuccess, DiarizationFailed, DiarizationSkipped:
		return true
	}
	return false
}

// Entry is one rendered unit: a grouped speaker turn, or a single segment
// when no speakers are available.
type Entry struct {
	Timestamp string  `json:"timestamp"`
	Speaker   string  `json:"speaker,omitempty"`
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Result is the final transcript returned to clients.
type Result struct {
	Speakers          []string          `json:"speakers,omitempty"`
	Segments          []Entry           `json:"segments"`
	FullText          string            `json:"full_text"`
	DiarizationStatus DiarizationStatus `json:"diarization_status"`
	DiarizationError  string            `json:"diarization_error,omitempty"`
}

func overlap(s Segment, t Turn) float64 {
	lo := max(s.Start, t.Start)
	hi := min(s.End, t.End)
	return max(0, hi-lo)
}

// AssignSpeakers labels every segment with the turn it overlaps most. With no
// positive overlap the first turn containing the segment midpoint wins, and
// failing that the segment is UnknownSpeaker. Equal overlaps keep the turn
// seen first.
func AssignSpeakers(segments []Segment, turns []Turn) []Labeled {
	out := make([]Labeled, 0, len(segments))
	for _, s := range segments {
		speaker := UnknownSpeaker
		best := 0.0
		for _, t := range turns {
			if o := overlap(s, t); o > best {
				best = o
				speaker = t.Speaker
			}
		}
		if best == 0 {
			mid := (s.Start + s.End) / 2
			for _, t := range turns {
				if t.Start <= mid && mid <= t.End {
					speaker = t.Speaker
					break
				}
			}
		}
		out = append(out, Labeled{
			Segment: Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)},
			Speaker: speaker,
		})
	}
	return out
}

// SpeakerMapping assigns "Speaker 1", "Speaker 2", ... to raw labels in the
// order they first appear. The returned slice holds display labels in that
// same order.
func SpeakerMapping(labeled []Labeled) (map[string]string, []string) {
	mapping := make(map[string]string)
	var order []string
	for _, l := range labeled {
		if _, ok := mapping[l.Speaker]; ok {
			continue
		}
		display := fmt.Sprintf("Speaker %d", len(order)+1)
		mapping[l.Speaker] = display
		order = append(order, display)
	}
	return mapping, order
}

// Group folds consecutive segments with the same display label into turns.
func Group(labeled []Labeled, mapping map[string]string) []Entry {
	var out []Entry
	var texts []string
	var cur *Entry

	closeTurn := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(texts, " ")
		out = append(out, *cur)
	}

	for _, l := range labeled {
		speaker, ok := mapping[l.Speaker]
		if !ok {
			speaker = l.Speaker
		}
		if cur != nil && cur.Speaker == speaker {
			texts = append(texts, l.Text)
			cur.End = l.End
			continue
		}
		closeTurn()
		cur = &Entry{
			Timestamp: FormatTimestamp(l.Start),
			Speaker:   speaker,
			Start:     l.Start,
			End:       l.End,
		}
		texts = []string{l.Text}
	}
	closeTurn()
	return out
}

// WithSpeakers builds a speaker-grouped result.
func WithSpeakers(segments []Segment, turns []Turn) Result {
	labeled := AssignSpeakers(segments, turns)
	mapping, speakers := SpeakerMapping(labeled)
	grouped := Group(labeled, mapping)

	blocks := make([]string, 0, len(grouped))
	for _, g := range grouped {
		blocks = append(blocks, fmt.Sprintf("[%s] %s:\n%s", g.Timestamp, g.Speaker, g.Text))
	}

	return Result{
		Speakers:          speakers,
		Segments:          nonNil(grouped),
		FullText:          strings.Join(blocks, "\n\n"),
		DiarizationStatus: DiarizationSuccess,
	}
}

// Plain builds a result with one entry per segment and no speaker labels.
func Plain(segments []Segment, status DiarizationStatus, reason string) Result {
	entries := make([]Entry, 0, len(segments))
	texts := make([]string, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		entries = append(entries, Entry{
			Timestamp: FormatTimestamp(s.Start),
			Text:      text,
			Start:     s.Start,
			End:       s.End,
		})
		texts = append(texts, text)
	}
	return Result{
		Segments:          entries,
		FullText:          strings.Join(texts, " "),
		DiarizationStatus: status,
		DiarizationError:  reason,
	}
}

// Assemble picks the grouped or plain rendering based on the diarization
// outcome. Turns are ignored unless status is DiarizationSuccess.
func Assemble(segments []Segment, turns []Turn, status DiarizationStatus, reason string) Result {
	if status == DiarizationSuccess {
		return WithSpeakers(segments, turns)
	}
	return Plain(segments, status, reason)
}

// FormatTimestamp renders the whole seconds of secs as MM:SS, or H:MM:SS
// from one hour on. Fractions are truncated.
func FormatTimestamp(secs float64) string {
	if secs < 0 {
		secs = 0
	}
	total := int(secs)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func nonNil(e []Entry) []Entry {
	if e == nil {
		return []Entry{}
	}
	return e
}
