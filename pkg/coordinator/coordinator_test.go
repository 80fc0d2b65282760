package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/identity"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/intent"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/memory"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/modules"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/toolcall"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/tts"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

// recorder captures every bus event in publish order.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func newRecorder(b *bus.Bus) *recorder {
	r := &recorder{}
	watched := []bus.SystemEvent{
		bus.EventInputLayerComplete,
		bus.EventProcessingLayerComplete,
		bus.EventOutputLayerComplete,
		bus.EventLLMResponseGenerated,
		bus.EventMemoryCreated,
		bus.EventTTSOutputGenerated,
		bus.EventSessionStarted,
		bus.EventSessionEnded,
		bus.EventStateAdvanced,
		bus.EventLayerError,
		bus.EventWorkflowStepCompleted,
	}
	for _, evt := range watched {
		b.Subscribe(evt, "recorder_"+string(evt), r.record)
	}
	return r
}

func (r *recorder) record(evt bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count(typ bus.SystemEvent) int {
	n := 0
	for _, evt := range r.all() {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// firstIndex returns the position of the first event of the given type
// matching the predicate, or -1.
func (r *recorder) firstIndex(typ bus.SystemEvent, match func(bus.Event) bool) int {
	for i, evt := range r.all() {
		if evt.Type != typ {
			continue
		}
		if match == nil || match(evt) {
			return i
		}
	}
	return -1
}

type rig struct {
	bus        *bus.Bus
	wctx       *workingctx.Manager
	status     *workingctx.StatusModel
	identities *identity.Store
	store      memory.Store
	sessions   *session.Manager
	queue      *state.Queue
	tools      *toolcall.Registry
	mods       *modules.Registry
	capture    *modules.QueueCapture
	voice      *modules.RecordingSynthesizer
	workflows  *workflow.Runner
	script     *llm.ScriptedReasoner
	coord      *Coordinator
	rec        *recorder
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b := bus.New(logger)
	rec := newRecorder(b)
	wctx := workingctx.New(logger)
	status := workingctx.NewStatusModel(b)

	identities, err := identity.NewStore(filepath.Join(dir, "identities"), logger)
	require.NoError(t, err)

	store, err := memory.OpenSQLite(filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	records, err := session.NewRecordStore(filepath.Join(dir, "records.json"), logger)
	require.NoError(t, err)
	sessions := session.NewManager(b, records, session.Config{MaxSessionAge: time.Minute}, logger)

	queue := state.NewQueue(b, wctx, filepath.Join(dir, "queue.json"), logger)
	state.NewManager(b, sessions, wctx, status, queue, state.ManagerConfig{
		SleepBoredom:         0.85,
		MischiefBoredom:      0.6,
		MischiefMood:         0.7,
		SpecialStateDebounce: 30 * time.Second,
	}, logger)

	runner := workflow.NewRunner(b, workflow.DefaultCatalogue(), modules.NewDemoSystemActions(), logger)
	script := llm.NewScriptedReasoner()
	tools := toolcall.NewRegistry(0, logger)

	mods := modules.NewRegistry(logger)
	capture := modules.NewQueueCapture(8)
	voice := modules.NewRecordingSynthesizer()
	require.NoError(t, mods.Register(modules.KindSTT, capture))
	require.NoError(t, mods.Register(modules.KindTTS, voice))
	require.NoError(t, mods.Register(modules.KindSys, modules.NewDemoSystemActions()))

	tagger := intent.NewLexiconTagger()
	coord := New(Deps{
		Bus:        b,
		WorkingCtx: wctx,
		Status:     status,
		Identities: identities,
		Memory:     store,
		Sessions:   sessions,
		Queue:      queue,
		Modules:    mods,
		Tools:      tools,
		Workflows:  runner,
		Segmenter:  intent.NewSegmenter(tagger, logger),
		Validator:  intent.NewValidator(workflow.DefaultCatalogue(), logger),
		Reasoner:   script,
		Speaker:    tts.NewSpeaker(b, 0, logger),
	}, logger)

	return &rig{
		bus:        b,
		wctx:       wctx,
		status:     status,
		identities: identities,
		store:      store,
		sessions:   sessions,
		queue:      queue,
		tools:      tools,
		mods:       mods,
		capture:    capture,
		voice:      voice,
		workflows:  runner,
		script:     script,
		coord:      coord,
		rec:        rec,
	}
}

// tick mirrors one pass of the system loop: advance the queue, then run
// a cycle. The cycle index only moves when a cycle actually ran.
func (r *rig) tick(t *testing.T) bool {
	t.Helper()
	r.queue.CheckAndAdvanceState()
	cycle := r.wctx.CycleIndex() + 1
	ran, err := r.coord.RunCycle(context.Background(), cycle)
	require.NoError(t, err)
	if ran {
		r.wctx.IncrementCycleIndex()
	}
	return ran
}

func TestIdleCycleDoesNotRun(t *testing.T) {
	r := newRig(t)

	ran := r.tick(t)

	assert.False(t, ran)
	assert.Zero(t, r.rec.count(bus.EventInputLayerComplete))
	assert.Zero(t, r.script.CallCount())
}

func TestCaptureEnqueuesThenChatTurnRuns(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		Raw: `{"text":"It is almost noon.","confidence":0.92}`,
	})
	require.True(t, r.capture.Push("Hello! Can you tell me what time it is?", ""))

	// First cycle captures and enqueues; the reasoner is not consulted.
	// The empty queue promotes the chat immediately.
	require.True(t, r.tick(t))
	assert.Zero(t, r.script.CallCount())
	assert.Equal(t, state.StateChat, r.queue.CurrentState())

	// Second tick promotes CHAT and runs the turn.
	require.True(t, r.tick(t))
	require.Equal(t, 1, r.script.CallCount())

	req := r.script.CapturedRequests()[0]
	assert.Equal(t, llm.ModeChat, req.Mode)
	assert.Contains(t, req.Prompt, "Can you tell me what time it is?")
	assert.Equal(t, llm.ToolChoiceAuto, req.ToolChoice)

	input := r.rec.firstIndex(bus.EventInputLayerComplete, func(e bus.Event) bool {
		var p bus.InputLayerCompletePayload
		return bus.Decode(e.Data, &p) == nil && p.Injected
	})
	proc := r.rec.firstIndex(bus.EventProcessingLayerComplete, func(e bus.Event) bool {
		var p bus.ProcessingLayerCompletePayload
		return bus.Decode(e.Data, &p) == nil && p.Text != ""
	})
	out := r.rec.firstIndex(bus.EventOutputLayerComplete, func(e bus.Event) bool {
		var p bus.OutputLayerCompletePayload
		return bus.Decode(e.Data, &p) == nil && p.Chunks > 0
	})
	require.True(t, input >= 0 && proc >= 0 && out >= 0)
	assert.Less(t, input, proc)
	assert.Less(t, proc, out)

	// Exactly one snapshot, under the default identity's token.
	require.Equal(t, 1, r.rec.count(bus.EventMemoryCreated))
	idx := r.rec.firstIndex(bus.EventMemoryCreated, nil)
	var created bus.MemoryCreatedPayload
	require.NoError(t, bus.Decode(r.rec.all()[idx].Data, &created))
	assert.Equal(t, r.identities.Default().MemoryToken, created.MemoryToken)

	assert.Contains(t, strings.Join(r.voice.Spoken(), " "), "It is almost noon.")
	_, chatting := r.sessions.ActiveChatting()
	assert.True(t, chatting)
}

func TestMemoryTokenIsolationBetweenIdentities(t *testing.T) {
	r := newRig(t)
	bernie, err := r.identities.Create("bernie", "Bernie", "spk-bernie")
	require.NoError(t, err)
	require.NoError(t, r.identities.MapSpeaker("spk-debug", identity.DefaultIdentityID))

	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{Raw: `{"text":"Noted, oolong it is.","confidence":0.9}`})
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{Raw: `{"text":"Hello again.","confidence":0.9}`})

	require.True(t, r.capture.Push("tell me you remember my favourite tea", "spk-bernie"))
	require.True(t, r.tick(t)) // enqueue
	require.True(t, r.tick(t)) // chat turn as bernie

	// The chat is still open; the next capture is a turn in it.
	require.True(t, r.capture.Push("tell me something fun", "spk-debug"))
	require.True(t, r.tick(t))
	require.Equal(t, 2, r.script.CallCount())

	ctx := context.Background()
	bernieSnaps, err := r.store.RetrieveSnapshots(ctx, bernie.MemoryToken, "", 10)
	require.NoError(t, err)
	debugSnaps, err := r.store.RetrieveSnapshots(ctx, r.identities.Default().MemoryToken, "", 10)
	require.NoError(t, err)
	require.Len(t, bernieSnaps, 1)
	require.Len(t, debugSnaps, 1)
	assert.Contains(t, bernieSnaps[0].Content, "oolong")
	assert.Contains(t, debugSnaps[0].Content, "Hello again.")

	// The declared override was consumed by its turn.
	assert.Empty(t, r.wctx.DeclaredIdentityID())
	ref, ok := r.wctx.CurrentIdentity()
	require.True(t, ok)
	assert.Equal(t, identity.DefaultIdentityID, ref.IdentityID)
}

func TestChatPreemptedByActionableCommand(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{Raw: `{"text":"Feeling great.","confidence":0.9}`})
	r.script.AddRouted(llm.ModeWork, llm.ScriptEntry{
		Raw: `{"text":"On it.","confidence":0.9,"sys_action":{"action":"start_workflow","target":"get_weather","parameters":{"city":"Taipei"},"confidence":0.95,"requires_confirmation":false,"reason":"weather request"}}`,
	})

	require.True(t, r.capture.Push("how are you feeling today?", ""))
	require.True(t, r.tick(t)) // enqueue CHAT
	require.True(t, r.tick(t)) // chat turn
	cs, ok := r.sessions.ActiveChatting()
	require.True(t, ok)

	// An actionable command mid-chat preempts instead of enqueueing.
	require.True(t, r.capture.Push("Can you tell me about the weather in Taipei?", ""))
	require.True(t, r.tick(t))
	assert.Equal(t, 1, r.script.CallCount(), "interrupt cycle must not reason")

	_, stillChatting := r.sessions.ActiveChatting()
	assert.False(t, stillChatting, "chat must end as interrupted")

	pending := r.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, state.StateWork, pending[0].State)
	assert.Equal(t, state.PriorityInterrupt, pending[0].Priority)
	assert.Equal(t, state.WorkModeDirect, pending[0].WorkMode)

	// The promoted work turn starts the matched workflow to completion.
	require.True(t, r.tick(t))
	require.Equal(t, 2, r.script.CallCount())
	assert.Equal(t, llm.ModeWork, r.script.CapturedRequests()[1].Mode)

	ended := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil &&
			p.SessionID == cs.ID && p.Reason == string(session.ReasonWorkInterrupt)
	})
	started := r.rec.firstIndex(bus.EventSessionStarted, func(e bus.Event) bool {
		var p bus.SessionStartedPayload
		return bus.Decode(e.Data, &p) == nil && p.SessionType == string(session.TypeWorkflow)
	})
	require.True(t, ended >= 0, "chat end missing")
	require.True(t, started >= 0, "workflow start missing")
	assert.Less(t, ended, started, "chat must end before the workflow session starts")

	workDone := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil &&
			p.SessionType == string(session.TypeWorkflow) && p.Reason == string(session.ReasonCompleted)
	})
	assert.True(t, workDone >= 0, "workflow session must complete")
	assert.Equal(t, 2, r.rec.count(bus.EventWorkflowStepCompleted))
}

func TestCompoundCommandRunsWorkBeforeChat(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeWork, llm.ScriptEntry{
		Raw: `{"text":"Checking the weather now.","confidence":0.9,"sys_action":{"action":"start_workflow","target":"get_weather","parameters":{"city":"Taipei"},"confidence":0.9,"requires_confirmation":false,"reason":"requested"}}`,
	})
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{Raw: `{"text":"Lovely day for a walk.","confidence":0.9}`})

	require.True(t, r.capture.Push("Check the weather in Taipei and then let's talk about it", ""))
	require.True(t, r.tick(t)) // enqueue both segments; WORK promotes at once

	cur, executing := r.queue.CurrentItem()
	require.True(t, executing)
	assert.Equal(t, state.StateWork, cur.State)
	assert.Equal(t, state.WorkModeDirect, cur.WorkMode)
	pending := r.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, state.StateChat, pending[0].State)
	assert.Greater(t, cur.Priority, pending[0].Priority)

	require.True(t, r.tick(t)) // WORK turn, workflow runs to completion
	require.True(t, r.tick(t)) // CHAT turn

	require.Equal(t, 2, r.script.CallCount())
	workReq := r.script.CapturedRequests()[0]
	chatReq := r.script.CapturedRequests()[1]
	assert.Equal(t, llm.ModeWork, workReq.Mode)
	assert.Contains(t, workReq.Prompt, "Matched workflow: get_weather")
	assert.Equal(t, llm.ModeChat, chatReq.Mode)
	assert.Contains(t, chatReq.Prompt, "Context from earlier turns")
	assert.Contains(t, chatReq.Prompt, "get_weather")

	workEnded := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil && p.SessionType == string(session.TypeWorkflow)
	})
	chatStarted := r.rec.firstIndex(bus.EventSessionStarted, func(e bus.Event) bool {
		var p bus.SessionStartedPayload
		return bus.Decode(e.Data, &p) == nil && p.SessionType == string(session.TypeChatting)
	})
	require.True(t, workEnded >= 0 && chatStarted >= 0)
	assert.Less(t, workEnded, chatStarted, "work must complete before the chat session opens")
}

func TestSystemReportRunsInternalMode(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeInternal, llm.ScriptEntry{
		Raw: `{"text":"Heads up: battery is low.","confidence":0.8}`,
	})

	ok := r.queue.AddState(state.StateWork, "system report", "Battery at 5 percent", &state.AddOptions{
		WorkMode: state.WorkModeBackground,
		Metadata: map[string]any{"workflow_type": state.WorkflowTypeSystemReport},
	})
	require.True(t, ok)

	require.True(t, r.tick(t))
	require.Equal(t, 1, r.script.CallCount())
	assert.Equal(t, llm.ModeInternal, r.script.CapturedRequests()[0].Mode)

	idx := r.rec.firstIndex(bus.EventInputLayerComplete, nil)
	require.True(t, idx >= 0)
	var input bus.InputLayerCompletePayload
	require.NoError(t, bus.Decode(r.rec.all()[idx].Data, &input))
	assert.Equal(t, "system_report", input.Source)
	assert.True(t, input.Injected)

	assert.Contains(t, strings.Join(r.voice.Spoken(), " "), "battery is low")

	done := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil &&
			p.SessionType == string(session.TypeWorkflow) && p.Reason == string(session.ReasonCompleted)
	})
	assert.True(t, done >= 0, "notification session must end on its own")
}

func TestChatRetrievalFeedsNextPrompt(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	token := r.identities.Default().MemoryToken
	_, err := r.store.StoreSnapshot(ctx, token, memory.KindSnapshot,
		"user: my favourite tea is oolong\nreply: noted", nil)
	require.NoError(t, err)

	var gotArgs map[string]any
	require.NoError(t, r.tools.Register(toolcall.Tool{
		Name:        "memory_retrieve_snapshots",
		Description: "Retrieve recent memory snapshots for the active identity.",
		Path:        toolcall.PathChat,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"memory_token": map[string]any{"type": "string"},
				"query":        map[string]any{"type": "string"},
			},
			"required": []any{"memory_token"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			gotArgs = args
			query, _ := args["query"].(string)
			return r.store.RetrieveSnapshots(ctx, args["memory_token"].(string), query, 5)
		},
	}))

	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		FunctionCall: &llm.FunctionCall{
			Name:      "memory_retrieve_snapshots",
			Arguments: map[string]any{"query": "tea"},
		},
	})
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		Raw: `{"text":"You like oolong best.","confidence":0.9}`,
	})

	require.True(t, r.capture.Push("what do you know about my tea?", ""))
	require.True(t, r.tick(t)) // enqueue
	require.True(t, r.tick(t)) // turn one: tool call, nothing spoken

	require.NotNil(t, gotArgs)
	assert.Equal(t, token, gotArgs["memory_token"], "token must be injected, not model-chosen")
	assert.Zero(t, r.rec.count(bus.EventMemoryCreated), "a tool turn writes no snapshot")
	assert.Zero(t, r.rec.count(bus.EventTTSOutputGenerated))

	require.True(t, r.capture.Push("so what do you know?", ""))
	require.True(t, r.tick(t)) // turn two: retrieval arrives as context

	require.Equal(t, 2, r.script.CallCount())
	followUp := r.script.CapturedRequests()[1]
	assert.Contains(t, followUp.Prompt, "Context from earlier turns")
	assert.Contains(t, followUp.Prompt, "oolong")
	assert.Equal(t, 1, r.rec.count(bus.EventMemoryCreated))
}

func TestWorkTurnForcesToolChoice(t *testing.T) {
	r := newRig(t)
	var gotSession string
	require.NoError(t, r.tools.Register(toolcall.Tool{
		Name:        "start_workflow",
		Description: "Start a catalogued workflow in the active session.",
		Path:        toolcall.PathWork,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"workflow":   map[string]any{"type": "string"},
			},
			"required": []any{"session_id", "workflow"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			gotSession = args["session_id"].(string)
			run, err := r.workflows.Start(ctx, gotSession, args["workflow"].(string), nil)
			if err != nil {
				return nil, err
			}
			return run.Summary(), nil
		},
	}))

	r.script.AddRouted(llm.ModeWork, llm.ScriptEntry{
		FunctionCall: &llm.FunctionCall{
			Name:      "start_workflow",
			Arguments: map[string]any{"workflow": "get_weather"},
		},
	})

	ok := r.queue.AddState(state.StateWork, "weather", "check the weather in Taipei", &state.AddOptions{
		WorkMode: state.WorkModeDirect,
		Metadata: map[string]any{intent.MetaMatchedWorkflow: "get_weather"},
	})
	require.True(t, ok)
	require.True(t, r.tick(t))

	require.Equal(t, 1, r.script.CallCount())
	req := r.script.CapturedRequests()[0]
	assert.Equal(t, llm.ToolChoiceAny, req.ToolChoice, "a fresh work turn must force a tool call")
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "start_workflow", req.Tools[0].Name)

	ws := r.rec.firstIndex(bus.EventSessionStarted, func(e bus.Event) bool {
		var p bus.SessionStartedPayload
		return bus.Decode(e.Data, &p) == nil && p.SessionType == string(session.TypeWorkflow)
	})
	require.True(t, ws >= 0)
	var started bus.SessionStartedPayload
	require.NoError(t, bus.Decode(r.rec.all()[ws].Data, &started))
	assert.Equal(t, started.SessionID, gotSession, "session id must be injected by the core")

	done := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil &&
			p.SessionID == started.SessionID && p.Reason == string(session.ReasonCompleted)
	})
	assert.True(t, done >= 0, "completed run must settle the workflow session")
}

func TestReasonerErrorSpeaksFallback(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{Err: errors.New("model unavailable")})

	require.True(t, r.capture.Push("tell me a story", ""))
	require.True(t, r.tick(t)) // enqueue

	r.queue.CheckAndAdvanceState()
	ran, err := r.coord.RunCycle(context.Background(), r.wctx.CycleIndex()+1)
	require.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processing layer")

	failed := r.rec.firstIndex(bus.EventLayerError, nil)
	require.True(t, failed >= 0)
	var layerErr bus.LayerErrorPayload
	require.NoError(t, bus.Decode(r.rec.all()[failed].Data, &layerErr))
	assert.Equal(t, "processing", layerErr.Layer)

	errored := r.rec.firstIndex(bus.EventOutputLayerComplete, func(e bus.Event) bool {
		var p bus.OutputLayerCompletePayload
		return bus.Decode(e.Data, &p) == nil && p.Errored
	})
	assert.True(t, errored >= 0, "output layer must close with an errored event")

	assert.Contains(t, strings.Join(r.voice.Spoken(), " "), FallbackText)

	ended := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
		var p bus.SessionEndedPayload
		return bus.Decode(e.Data, &p) == nil && p.Reason == string(session.ReasonError)
	})
	assert.True(t, ended >= 0, "the failed cycle's session must end as errored")

	_, executing := r.queue.CurrentItem()
	assert.False(t, executing, "the errored item must complete")
}

func TestSessionControlEndsChatting(t *testing.T) {
	t.Run("confident request ends the session", func(t *testing.T) {
		r := newRig(t)
		r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
			Raw: `{"text":"Goodbye!","confidence":0.9,"session_control":{"should_end_session":true,"end_reason":"user said farewell","confidence":0.9}}`,
		})
		require.True(t, r.capture.Push("talk to you later", ""))
		require.True(t, r.tick(t))
		require.True(t, r.tick(t))

		_, chatting := r.sessions.ActiveChatting()
		assert.False(t, chatting)
		idx := r.rec.firstIndex(bus.EventSessionEnded, func(e bus.Event) bool {
			var p bus.SessionEndedPayload
			return bus.Decode(e.Data, &p) == nil && p.Reason == string(session.ReasonLLMDirected)
		})
		assert.True(t, idx >= 0)
	})

	t.Run("low confidence is ignored", func(t *testing.T) {
		r := newRig(t)
		r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
			Raw: `{"text":"Hmm.","confidence":0.9,"session_control":{"should_end_session":true,"end_reason":"maybe done","confidence":0.5}}`,
		})
		require.True(t, r.capture.Push("talk to you later", ""))
		require.True(t, r.tick(t))
		require.True(t, r.tick(t))

		_, chatting := r.sessions.ActiveChatting()
		assert.True(t, chatting, "a sub-threshold request must not end the session")
	})
}

func TestStatusAndProfileUpdatesApplied(t *testing.T) {
	r := newRig(t)
	r.script.AddRouted(llm.ModeChat, llm.ScriptEntry{
		Raw: `{"text":"That was fun.","confidence":0.9,` +
			`"status_updates":{"mood_delta":0.2,"boredom_delta":-0.3},` +
			`"memory_observation":"likes wordplay",` +
			`"learning_signals":{"formality_signal":"casual"}}`,
	})

	moodBefore := r.status.Get(workingctx.StatusMood)
	boredomBefore := r.status.Get(workingctx.StatusBoredom)

	require.True(t, r.capture.Push("tell me a joke about compilers", ""))
	require.True(t, r.tick(t))
	require.True(t, r.tick(t))

	assert.InDelta(t, moodBefore+0.2, r.status.Get(workingctx.StatusMood), 1e-9)
	assert.InDelta(t, boredomBefore-0.3, r.status.Get(workingctx.StatusBoredom), 1e-9)

	// Snapshot plus observation, both announced.
	assert.Equal(t, 2, r.rec.count(bus.EventMemoryCreated))

	profile, err := r.store.GetProfile(context.Background(), r.identities.Default().MemoryToken)
	require.NoError(t, err)
	assert.Equal(t, "casual", profile["formality_signal"])
}
