package intent

import (
	"log/slog"
	"strings"
)

// Segmenter runs the tagger and post-processes its token labels into
// merged intent segments.
type Segmenter struct {
	tagger Tagger
	logger *slog.Logger
}

// NewSegmenter creates a segmenter over the given tagger.
func NewSegmenter(tagger Tagger, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		tagger: tagger,
		logger: logger.With("component", "intent_segmenter"),
	}
}

// Segment splits text into intent segments. Empty input yields nil.
func (s *Segmenter) Segment(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	initial := initialSegments(s.tagger.Tag(text))
	out := Normalize(initial)
	s.logger.Debug("Segmented input",
		"tokens", len(strings.Fields(text)),
		"segments", len(out))
	return out
}

// initialSegments groups consecutive tokens with the same intent into raw
// segments. O-labelled runs become UNKNOWN segments. A hard boundary
// closes the current segment unconditionally.
func initialSegments(tags []TokenTag) []Segment {
	var out []Segment
	var tokens []string
	current := IntentUnknown

	flush := func() {
		if len(tokens) == 0 {
			return
		}
		conf := 0.0
		if current != IntentUnknown {
			conf = 1.0
		}
		out = append(out, Segment{
			Text:       strings.Join(tokens, " "),
			Intent:     current,
			Confidence: conf,
		})
		tokens = nil
	}

	for _, tag := range tags {
		intent := labelIntent(tag.Label)
		if intent != current && len(tokens) > 0 {
			flush()
		}
		current = intent
		tokens = append(tokens, tag.Token)
		if endsWithHardBoundary(tag.Token) {
			flush()
			current = IntentUnknown
		}
	}
	flush()
	return out
}

func labelIntent(label string) Type {
	if label == "O" || label == "" {
		return IntentUnknown
	}
	return Type(strings.TrimPrefix(strings.TrimPrefix(label, "B-"), "I-"))
}

// Normalize applies the post-processing rules to raw segments:
// adjacent equal intents merge; UNKNOWN runs between segments of the same
// intent merge into that intent; UNKNOWN runs between differing intents
// are absorbed by the larger neighbour (ties to the earlier one); merges
// never cross hard boundary punctuation; surviving sub-three-character
// segments become CALL for known greetings, UNKNOWN otherwise.
// Applying Normalize to its own output changes nothing.
func Normalize(segs []Segment) []Segment {
	var out []Segment
	for _, group := range splitGroups(compact(segs)) {
		group = resolveGroup(group)
		out = append(out, group...)
	}
	out = reclassifyShort(out)
	out = mergeAdjacentEqual(out)
	for i := range out {
		out[i].Priority = defaultPriority(out[i].Intent)
	}
	return out
}

func compact(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, seg := range segs {
		if strings.TrimSpace(seg.Text) != "" {
			out = append(out, seg)
		}
	}
	return out
}

// splitGroups partitions segments at hard boundaries; merges never cross
// a group edge.
func splitGroups(segs []Segment) [][]Segment {
	var groups [][]Segment
	var current []Segment
	for _, seg := range segs {
		current = append(current, seg)
		if segEndsHard(seg) {
			groups = append(groups, current)
			current = nil
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func segEndsHard(seg Segment) bool {
	fields := strings.Fields(seg.Text)
	if len(fields) == 0 {
		return false
	}
	return endsWithHardBoundary(fields[len(fields)-1])
}

// resolveGroup merges within one boundary-free group until stable.
func resolveGroup(group []Segment) []Segment {
	for {
		merged := mergeAdjacentEqual(group)
		merged = absorbUnknownRuns(merged)
		if len(merged) == len(group) {
			return merged
		}
		group = merged
	}
}

func mergeAdjacentEqual(segs []Segment) []Segment {
	var out []Segment
	for _, seg := range segs {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Intent == seg.Intent && !segEndsHard(*last) {
				*last = mergeInto(*last, seg, last.Intent)
				continue
			}
		}
		out = append(out, seg)
	}
	return out
}

// absorbUnknownRuns removes UNKNOWN segments by folding them into their
// neighbours. An UNKNOWN run flanked by the same intent bridges into one
// segment of that intent. Flanked by differing intents, the run goes to
// the neighbour with more tokens, the earlier one on ties. A run with
// known segments on one side only folds into that side. A group that is
// entirely UNKNOWN collapses to a single UNKNOWN segment.
func absorbUnknownRuns(segs []Segment) []Segment {
	for i := 0; i < len(segs); i++ {
		if segs[i].Intent != IntentUnknown {
			continue
		}
		end := i
		for end+1 < len(segs) && segs[end+1].Intent == IntentUnknown {
			end++
		}

		var left, right *Segment
		if i > 0 {
			left = &segs[i-1]
		}
		if end+1 < len(segs) {
			right = &segs[end+1]
		}

		run := segs[i : end+1]
		switch {
		case left != nil && right != nil && left.Intent == right.Intent:
			merged := *left
			for _, u := range run {
				merged = mergeInto(merged, u, left.Intent)
			}
			merged = mergeInto(merged, *right, left.Intent)
			return splice(segs, i-1, end+1, merged)

		case left != nil && right != nil:
			if tokenCount(right.Text) > tokenCount(left.Text) {
				merged := *right
				for j := len(run) - 1; j >= 0; j-- {
					merged = mergeInto(run[j], merged, right.Intent)
				}
				return splice(segs, i, end+1, merged)
			}
			merged := *left
			for _, u := range run {
				merged = mergeInto(merged, u, left.Intent)
			}
			return splice(segs, i-1, end, merged)

		case left != nil:
			merged := *left
			for _, u := range run {
				merged = mergeInto(merged, u, left.Intent)
			}
			return splice(segs, i-1, end, merged)

		case right != nil:
			merged := *right
			for j := len(run) - 1; j >= 0; j-- {
				merged = mergeInto(run[j], merged, right.Intent)
			}
			return splice(segs, i, end+1, merged)

		case len(run) > 1:
			merged := run[0]
			for _, u := range run[1:] {
				merged = mergeInto(merged, u, IntentUnknown)
			}
			return splice(segs, i, end, merged)
		}
		i = end
	}
	return segs
}

// splice replaces segs[from..to] (inclusive) with one merged segment.
func splice(segs []Segment, from, to int, merged Segment) []Segment {
	out := make([]Segment, 0, len(segs)-(to-from))
	out = append(out, segs[:from]...)
	out = append(out, merged)
	out = append(out, segs[to+1:]...)
	return out
}

// mergeInto concatenates b onto a under the given intent, with confidence
// as the token-weighted average of the parts.
func mergeInto(a, b Segment, intent Type) Segment {
	aTok, bTok := tokenCount(a.Text), tokenCount(b.Text)
	total := aTok + bTok
	conf := 0.0
	if total > 0 {
		conf = (a.Confidence*float64(aTok) + b.Confidence*float64(bTok)) / float64(total)
	}
	meta := a.Metadata
	if meta == nil && b.Metadata != nil {
		meta = b.Metadata
	} else if meta != nil && b.Metadata != nil {
		for k, v := range b.Metadata {
			if _, exists := meta[k]; !exists {
				meta[k] = v
			}
		}
	}
	return Segment{
		Text:       strings.TrimSpace(a.Text + " " + b.Text),
		Intent:     intent,
		Confidence: conf,
		Metadata:   meta,
	}
}

// reclassifyShort applies the sub-three-character rule to segments that
// survived merging.
func reclassifyShort(segs []Segment) []Segment {
	for i, seg := range segs {
		cleaned := cleanToken(seg.Text)
		if len([]rune(cleaned)) >= 3 {
			continue
		}
		if isGreeting(cleaned) {
			segs[i].Intent = IntentCall
			if segs[i].Confidence == 0 {
				segs[i].Confidence = 1.0
			}
		} else {
			segs[i].Intent = IntentUnknown
		}
	}
	return segs
}

func tokenCount(text string) int {
	return len(strings.Fields(text))
}
