package intent

import (
	"log/slog"
	"strings"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
)

// Empirical similarity thresholds for workflow validation.
const (
	HighSimilarity = 0.45
	LowSimilarity  = 0.15

	// chatDemotionThreshold is the confidence under which an unmatched
	// WORK segment degrades to CHAT.
	chatDemotionThreshold = 0.8

	highConfidenceBoost  = 1.15
	lowConfidencePenalty = 0.7
)

// synonyms widens keyword matching without inflating the catalogue.
var synonyms = map[string][]string{
	"weather": {"forecast", "temperature", "climate"},
	"report":  {"summary", "overview", "status"},
	"check":   {"verify", "inspect", "look"},
	"clean":   {"cleanup", "tidy", "organize"},
	"cleanup": {"clean", "tidy", "organize"},
	"file":    {"files", "document", "documents"},
	"files":   {"file", "document", "documents"},
	"system":  {"host", "machine", "computer"},
	"disk":    {"storage", "drive"},
}

// Validator scores WORK segments against the workflow catalogue and
// rewrites them according to the match strength.
type Validator struct {
	catalogue *workflow.Catalogue
	logger    *slog.Logger
}

// NewValidator creates a validator over the given catalogue.
func NewValidator(catalogue *workflow.Catalogue, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		catalogue: catalogue,
		logger:    logger.With("component", "workflow_validator"),
	}
}

// ValidateSegments returns a copy of segs with every WORK segment
// validated. Non-WORK segments pass through untouched.
func (v *Validator) ValidateSegments(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	for i, seg := range segs {
		if seg.Intent == IntentWork {
			out[i] = v.validateWork(seg)
		} else {
			out[i] = seg
		}
	}
	return out
}

func (v *Validator) validateWork(seg Segment) Segment {
	best, bestScore, strong := v.bestMatch(seg.Text)

	switch {
	case strong || bestScore >= HighSimilarity:
		seg.Confidence = capConfidence(seg.Confidence * highConfidenceBoost)
		seg.Metadata = withMeta(seg.Metadata, map[string]any{
			MetaMatchedWorkflow: best.Name,
			MetaWorkMode:        string(best.Mode),
		})
		v.logger.Debug("WORK segment matched workflow",
			"workflow", best.Name,
			"score", bestScore,
			"strong_keyword", strong)

	case bestScore < LowSimilarity:
		seg.Confidence = seg.Confidence * lowConfidencePenalty
		if seg.Confidence < chatDemotionThreshold {
			seg.Metadata = withMeta(seg.Metadata, map[string]any{
				MetaDegradedFromWork: map[string]any{
					"original_intent": string(IntentWork),
					"reason":          "no matching workflow",
				},
			})
			seg.Intent = IntentChat
			seg.Priority = defaultPriority(IntentChat)
			v.logger.Debug("WORK segment demoted to CHAT",
				"score", bestScore,
				"confidence", seg.Confidence)
		}

	default:
		seg.Metadata = withMeta(seg.Metadata, map[string]any{
			MetaPotentialWorkflow: best.Name,
		})
	}
	return seg
}

// bestMatch scores the text against every catalogued workflow. A strong
// keyword hit short-circuits to that workflow.
func (v *Validator) bestMatch(text string) (workflow.Definition, float64, bool) {
	tokens := tokenSet(text)
	lower := strings.ToLower(text)

	var best workflow.Definition
	bestScore := -1.0
	for _, def := range v.catalogue.List() {
		for _, sk := range def.StrongKeywords {
			if sk != "" && strings.Contains(lower, strings.ToLower(sk)) {
				return def, 1.0, true
			}
		}
		if score := similarity(tokens, def); score > bestScore {
			best, bestScore = def, score
		}
	}
	if bestScore < 0 {
		bestScore = 0
	}
	return best, bestScore, false
}

// similarity blends keyword coverage with display-name overlap.
func similarity(tokens map[string]struct{}, def workflow.Definition) float64 {
	coverage := 0.0
	if len(def.Keywords) > 0 {
		matched := 0
		for _, kw := range def.Keywords {
			if keywordInTokens(tokens, strings.ToLower(kw)) {
				matched++
			}
		}
		coverage = float64(matched) / float64(len(def.Keywords))
	}

	nameTokens := strings.Fields(strings.ToLower(def.DisplayName))
	overlap := 0.0
	if len(nameTokens) > 0 {
		hits := 0
		for _, nt := range nameTokens {
			if _, ok := tokens[nt]; ok {
				hits++
			}
		}
		overlap = float64(hits) / float64(len(nameTokens))
	}

	return 0.7*coverage + 0.3*overlap
}

func keywordInTokens(tokens map[string]struct{}, kw string) bool {
	if _, ok := tokens[kw]; ok {
		return true
	}
	for _, syn := range synonyms[kw] {
		if _, ok := tokens[syn]; ok {
			return true
		}
	}
	return false
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, raw := range strings.Fields(text) {
		if cleaned := cleanToken(raw); cleaned != "" {
			set[cleaned] = struct{}{}
		}
	}
	return set
}

func capConfidence(c float64) float64 {
	if c > 1.0 {
		return 1.0
	}
	return c
}

func withMeta(meta map[string]any, add map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+len(add))
	for k, val := range meta {
		out[k] = val
	}
	for k, val := range add {
		out[k] = val
	}
	return out
}
