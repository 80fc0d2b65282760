// Package tts splits reply text into speakable chunks and walks the
// synthesizer through them, one TTS_OUTPUT_GENERATED event per chunk, so
// playback starts before the whole response is rendered.
package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkBudget is the character budget per chunk.
const DefaultChunkBudget = 120

// Spans matching these patterns are never split. Invalid patterns are a
// programming error, caught at init.
var protectedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:https?://|www\.)\S+`),
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\d+(?:[.,]\d+)+`),
}

var asciiSplit = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true, ':': true, ',': true,
}

// Full-width punctuation splits without a following space.
var cjkSplit = map[rune]bool{
	'。': true, '！': true, '？': true, '；': true, '：': true, '，': true, '、': true,
}

var bracketPairs = map[rune]rune{
	'(': ')', '[': ']', '{': '}',
	'（': '）', '「': '」', '『': '』',
}

// Chunk splits text into punctuation-aligned segments of at most budget
// characters. URLs, email addresses, numeric punctuation, and matched
// quotes and brackets are kept whole; a protected span longer than the
// budget yields an oversized chunk rather than a broken one.
func Chunk(text string, budget int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if budget <= 0 {
		budget = DefaultChunkBudget
	}
	runes := []rune(trimmed)
	if len(runes) <= budget {
		return []string{trimmed}
	}

	protected := protectedMask(trimmed, runes)
	candidates := splitCandidates(runes, protected)

	var chunks []string
	start := 0
	for start < len(runes) {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= len(runes) {
			break
		}
		if len(runes)-start <= budget {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		end := pickEnd(runes, protected, candidates, start, budget)
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = end
	}
	return chunks
}

// protectedMask marks every rune that must not be a split point.
func protectedMask(text string, runes []rune) []bool {
	mask := make([]bool, len(runes))
	for _, re := range protectedPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			from := utf8.RuneCountInString(text[:loc[0]])
			to := utf8.RuneCountInString(text[:loc[1]])
			for i := from; i < to; i++ {
				mask[i] = true
			}
		}
	}
	markEnclosed(runes, mask)
	return mask
}

// markEnclosed protects matched bracket pairs and double-quoted spans.
// Single quotes are skipped: apostrophes in contractions would pair wrongly.
func markEnclosed(runes []rune, mask []bool) {
	type open struct {
		idx     int
		closing rune
	}
	var stack []open
	for i, r := range runes {
		if closing, ok := bracketPairs[r]; ok {
			stack = append(stack, open{idx: i, closing: closing})
			continue
		}
		if len(stack) > 0 && r == stack[len(stack)-1].closing {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for j := top.idx; j <= i; j++ {
				mask[j] = true
			}
		}
	}
	markQuoted(runes, mask, '"', '"')
	markQuoted(runes, mask, '“', '”')
}

func markQuoted(runes []rune, mask []bool, openQ, closeQ rune) {
	openIdx := -1
	for i, r := range runes {
		if openIdx < 0 {
			if r == openQ {
				openIdx = i
			}
			continue
		}
		if r == closeQ {
			for j := openIdx; j <= i; j++ {
				mask[j] = true
			}
			openIdx = -1
		}
	}
}

// splitCandidates returns every rune index a chunk may end at, ascending.
// ASCII punctuation splits only when followed by whitespace, so decimals
// and abbreviated runs stay together even without a protecting pattern.
func splitCandidates(runes []rune, protected []bool) []int {
	var out []int
	for i, r := range runes {
		if protected[i] {
			continue
		}
		if cjkSplit[r] {
			out = append(out, i+1)
			continue
		}
		if asciiSplit[r] && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			out = append(out, i+1)
		}
	}
	return out
}

// pickEnd chooses the largest punctuation boundary within the budget, then
// falls back to the last unprotected space in the window, then the first
// usable break past it. A fully unbreakable remainder is taken whole.
func pickEnd(runes []rune, protected []bool, candidates []int, start, budget int) int {
	limit := start + budget
	best := -1
	for _, c := range candidates {
		if c <= start {
			continue
		}
		if c > limit {
			break
		}
		best = c
	}
	if best > 0 {
		return best
	}
	for i := limit; i > start; i-- {
		if unicode.IsSpace(runes[i]) && !protected[i] {
			return i
		}
	}
	for i := limit; i < len(runes); i++ {
		if unicode.IsSpace(runes[i]) && !protected[i] {
			return i
		}
	}
	return len(runes)
}
