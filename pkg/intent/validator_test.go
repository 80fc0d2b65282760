package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
)

func scoringCatalogue(t *testing.T) *workflow.Catalogue {
	t.Helper()
	c := workflow.NewCatalogue()
	require.NoError(t, c.Register(workflow.Definition{
		Name:        "alpha_task",
		DisplayName: "Nightly batch",
		Description: "Run the alpha procedure",
		Mode:        workflow.ModeBackground,
		Keywords:    []string{"alpha", "beta", "gamma", "delta"},
		Steps:       []workflow.StepDef{{Name: "run", Action: "noop"}},
	}))
	return c
}

func workSegment(text string, conf float64) Segment {
	return Segment{Text: text, Intent: IntentWork, Confidence: conf, Priority: PriorityWork}
}

func TestStrongKeywordShortCircuits(t *testing.T) {
	v := NewValidator(workflow.DefaultCatalogue(), nil)

	out := v.ValidateSegments([]Segment{workSegment("Check the weather in Taipei", 0.5)})

	require.Len(t, out, 1)
	seg := out[0]
	assert.Equal(t, IntentWork, seg.Intent)
	assert.Equal(t, "get_weather", seg.Metadata[MetaMatchedWorkflow])
	assert.Equal(t, string(workflow.ModeDirect), seg.Metadata[MetaWorkMode])
	assert.InDelta(t, 0.575, seg.Confidence, 1e-9, "confidence boosted by 1.15")
}

func TestHighSimilarityCoercesWorkMode(t *testing.T) {
	v := NewValidator(scoringCatalogue(t), nil)

	// All four keywords hit: coverage 1.0, score 0.7 over HIGH.
	out := v.ValidateSegments([]Segment{workSegment("alpha beta gamma delta now", 0.9)})

	seg := out[0]
	assert.Equal(t, IntentWork, seg.Intent)
	assert.Equal(t, "alpha_task", seg.Metadata[MetaMatchedWorkflow])
	assert.Equal(t, string(workflow.ModeBackground), seg.Metadata[MetaWorkMode],
		"work mode follows the matched workflow's declared mode")
	assert.Equal(t, 1.0, seg.Confidence, "boosted confidence caps at 1.0")
}

func TestMidSimilarityRecordsPotentialWorkflow(t *testing.T) {
	v := NewValidator(scoringCatalogue(t), nil)

	// Two of four keywords: coverage 0.5, score 0.35 between LOW and HIGH.
	out := v.ValidateSegments([]Segment{workSegment("run alpha beta now", 0.6)})

	seg := out[0]
	assert.Equal(t, IntentWork, seg.Intent)
	assert.Equal(t, "alpha_task", seg.Metadata[MetaPotentialWorkflow])
	assert.NotContains(t, seg.Metadata, MetaMatchedWorkflow)
	assert.Equal(t, 0.6, seg.Confidence, "mid branch leaves confidence alone")
}

func TestLowSimilarityDemotesToChat(t *testing.T) {
	v := NewValidator(scoringCatalogue(t), nil)

	out := v.ValidateSegments([]Segment{workSegment("please dance for me", 1.0)})

	seg := out[0]
	assert.Equal(t, IntentChat, seg.Intent)
	assert.Equal(t, PriorityChat, seg.Priority)
	assert.InDelta(t, 0.7, seg.Confidence, 1e-9, "confidence penalised by 0.7")

	degraded, ok := seg.Metadata[MetaDegradedFromWork].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "WORK", degraded["original_intent"])
	assert.NotEmpty(t, degraded["reason"])
}

func TestSynonymsCountAsKeywordHits(t *testing.T) {
	c := workflow.NewCatalogue()
	require.NoError(t, c.Register(workflow.Definition{
		Name:        "weather_lookup",
		DisplayName: "Weather lookup",
		Description: "Fetch a forecast",
		Mode:        workflow.ModeDirect,
		Keywords:    []string{"weather"},
		Steps:       []workflow.StepDef{{Name: "fetch", Action: "get_weather"}},
	}))
	v := NewValidator(c, nil)

	// "forecast" is a synonym of the "weather" keyword: coverage 1.0.
	out := v.ValidateSegments([]Segment{workSegment("fetch the forecast please", 0.5)})

	assert.Equal(t, "weather_lookup", out[0].Metadata[MetaMatchedWorkflow])
}

func TestNonWorkSegmentsPassThrough(t *testing.T) {
	v := NewValidator(workflow.DefaultCatalogue(), nil)
	chat := Segment{Text: "let's talk", Intent: IntentChat, Confidence: 0.8, Priority: PriorityChat}

	out := v.ValidateSegments([]Segment{chat})

	assert.Equal(t, chat, out[0])
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	v := NewValidator(workflow.DefaultCatalogue(), nil)
	original := workSegment("Check the weather", 0.5)
	original.Metadata = map[string]any{"source": "test"}
	input := []Segment{original}

	out := v.ValidateSegments(input)

	assert.Equal(t, map[string]any{"source": "test"}, input[0].Metadata,
		"input metadata map must stay untouched")
	assert.Equal(t, "test", out[0].Metadata["source"], "existing metadata is carried over")
}

func TestEmptyCatalogueDemotesEverything(t *testing.T) {
	v := NewValidator(workflow.NewCatalogue(), nil)

	out := v.ValidateSegments([]Segment{workSegment("check the weather", 0.9)})

	assert.Equal(t, IntentChat, out[0].Intent)
}
