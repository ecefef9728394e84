package whisperx

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Timeline entry types.
const (
	EntryWord  = "word"
	EntryPause = "pause"
)

// TimelineEntry is a word or a pause with times in seconds.
type TimelineEntry struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration,omitempty"`
}

type timelineDocument struct {
	Timeline []TimelineEntry `json:"timeline"`
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]`)

// BuildTimeline flattens segments into word entries and inserts a pause
// wherever consecutive words are at least minPause seconds apart. Words
// without aligner timings are spread evenly across their segment.
func BuildTimeline(segments []Segment, minPause float64) []TimelineEntry {
	var words []TimelineEntry
	for _, seg := range segments {
		words = append(words, segmentWords(seg)...)
	}
	sort.SliceStable(words, func(i, j int) bool { return words[i].Start < words[j].Start })

	timeline := make([]TimelineEntry, 0, len(words)*2)
	for i, w := range words {
		if i > 0 {
			prevEnd := words[i-1].End
			if gap := w.Start - prevEnd; gap >= minPause {
				timeline = append(timeline, TimelineEntry{
					Type:     EntryPause,
					Start:    round3(prevEnd),
					End:      round3(w.Start),
					Duration: round3(gap),
				})
			}
		}
		timeline = append(timeline, w)
	}
	return timeline
}

func segmentWords(seg Segment) []TimelineEntry {
	aligned := true
	for _, w := range seg.Words {
		if w.Start == nil || w.End == nil {
			aligned = false
			break
		}
	}
	if aligned && len(seg.Words) > 0 {
		out := make([]TimelineEntry, 0, len(seg.Words))
		for _, w := range seg.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			out = append(out, TimelineEntry{Type: EntryWord, Text: text, Start: round3(*w.Start), End: round3(*w.End)})
		}
		return out
	}
	return evenWords(seg)
}

// evenWords splits the segment text into tokens and gives each an equal
// share of the segment duration.
func evenWords(seg Segment) []TimelineEntry {
	tokens := tokenPattern.FindAllString(seg.Text, -1)
	if len(tokens) == 0 {
		return nil
	}
	span := seg.End - seg.Start
	if span < 0 {
		span = 0
	}
	step := span / float64(len(tokens))
	out := make([]TimelineEntry, 0, len(tokens))
	for i, tok := range tokens {
		start := seg.Start + step*float64(i)
		out = append(out, TimelineEntry{Type: EntryWord, Text: tok, Start: round3(start), End: round3(start + step)})
	}
	return out
}

// MarshalTimeline encodes the timeline as {"timeline": [...]}.
func MarshalTimeline(timeline []TimelineEntry) ([]byte, error) {
	if timeline == nil {
		timeline = []TimelineEntry{}
	}
	return json.MarshalIndent(timelineDocument{Timeline: timeline}, "", "  ")
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
