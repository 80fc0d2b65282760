package intent

import "strings"

// Token lexicons for the rule-based tagger. Kept disjoint; the first
// matching lexicon wins in the order greeting, response, work, chat.
var (
	greetingLexicon = lexicon(
		"hi", "hey", "yo", "hello", "hiya", "sup", "greetings",
		"morning", "evening", "afternoon",
	)

	responseLexicon = lexicon(
		"yes", "no", "yeah", "yep", "nope", "sure", "okay", "ok",
		"correct", "right", "wrong", "maybe", "exactly", "indeed",
	)

	workLexicon = lexicon(
		"check", "run", "open", "close", "start", "stop", "create",
		"delete", "clean", "cleanup", "find", "search", "fetch",
		"organize", "schedule", "remind", "set", "turn", "play",
		"report", "scan", "weather", "forecast", "file", "files",
		"system", "disk", "folder", "download", "upload", "install",
	)

	chatLexicon = lexicon(
		"talk", "chat", "tell", "say", "think", "feel", "like",
		"love", "hate", "story", "joke", "fun", "funny", "how",
		"what", "why", "who", "you", "your", "we", "let's", "lets",
		"about", "today", "tonight", "wonder", "curious",
	)
)

func lexicon(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// isGreeting reports whether a cleaned token is a known greeting.
func isGreeting(token string) bool {
	_, ok := greetingLexicon[cleanToken(token)]
	return ok
}

// cleanToken lowercases and strips surrounding punctuation for lookup.
func cleanToken(token string) string {
	return strings.Trim(strings.ToLower(token), ".,!?;:'\"()[]{}")
}

// LexiconTagger is a rule-based BIO tagger backed by small per-intent
// lexicons. It stands in for a trained model behind the same interface.
type LexiconTagger struct{}

// NewLexiconTagger creates the rule-based tagger.
func NewLexiconTagger() *LexiconTagger {
	return &LexiconTagger{}
}

// Tag labels each whitespace token with B-/I-<INTENT> or O.
func (lt *LexiconTagger) Tag(text string) []TokenTag {
	tokens := strings.Fields(text)
	tags := make([]TokenTag, 0, len(tokens))

	prev := ""
	for _, token := range tokens {
		intent := lt.intentOf(token)
		label := "O"
		if intent != "" {
			if intent == prev {
				label = "I-" + intent
			} else {
				label = "B-" + intent
			}
		}
		tags = append(tags, TokenTag{Token: token, Label: label})
		prev = intent
		// A hard boundary resets the span so the next match opens fresh.
		if endsWithHardBoundary(token) {
			prev = ""
		}
	}
	return tags
}

func (lt *LexiconTagger) intentOf(token string) string {
	cleaned := cleanToken(token)
	if cleaned == "" {
		return ""
	}
	switch {
	case has(greetingLexicon, cleaned):
		return string(IntentCall)
	case has(responseLexicon, cleaned):
		return string(IntentResponse)
	case has(workLexicon, cleaned):
		return string(IntentWork)
	case has(chatLexicon, cleaned):
		return string(IntentChat)
	}
	return ""
}

func has(lex map[string]struct{}, token string) bool {
	_, ok := lex[token]
	return ok
}

func endsWithHardBoundary(token string) bool {
	trimmed := strings.TrimRight(token, "'\")]}")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', ';':
		return true
	}
	return false
}
