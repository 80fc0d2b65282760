// Package coordinator drives the layered execution cycle: accept or
// capture input, reason over it in the context of the active session,
// and speak the result. The three layers talk to the rest of the system
// only through the event bus, which keeps the module graph acyclic.
//
// A cycle runs in one of three shapes. A capture cycle picks up fresh
// input, segments it, and either enqueues the resulting states or, when
// the input belongs to the session already in progress, processes it as
// the next turn of that session. An injected cycle processes the
// content of a queue item that was just promoted. When neither fresh
// input nor an injection is present the cycle does not run and the loop
// idles.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

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
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
)

// FallbackText is spoken whenever a cycle fails after input was
// accepted. The companion never goes silent on an error.
const FallbackText = "Sorry, I could not generate a response"

// sessionControlConfidence is the minimum confidence at which a model's
// session_control request actually ends the chatting session.
const sessionControlConfidence = 0.7

// Input layer sources.
const (
	sourceCapture      = "capture"
	sourceQueue        = "queue"
	sourceSystemReport = "system_report"
)

// Deps collects everything the coordinator orchestrates. All fields are
// required except Frontend, which may be nil when no UI is attached.
type Deps struct {
	Bus        *bus.Bus
	Frontend   *bus.FrontendBus
	WorkingCtx *workingctx.Manager
	Status     *workingctx.StatusModel
	Identities *identity.Store
	Memory     memory.Store
	Sessions   *session.Manager
	Queue      *state.Queue
	Modules    *modules.Registry
	Tools      *toolcall.Registry
	Workflows  *workflow.Runner
	Segmenter  *intent.Segmenter
	Validator  *intent.Validator
	Reasoner   llm.Reasoner
	Speaker    *tts.Speaker
}

// injection is the content of a promoted queue item, parked between the
// STATE_ADVANCED event and the cycle that consumes it.
type injection struct {
	Text     string
	State    state.State
	Source   string
	Metadata map[string]any
}

// sessionRef names the session a cycle is running under, for error
// attribution when a layer fails.
type sessionRef struct {
	id  string
	typ session.Type
}

// sessionEnd is a termination flagged mid-cycle and applied only after
// the output layer, so the cycle that decided to end a session still
// speaks through it.
type sessionEnd struct {
	id      string
	typ     session.Type
	reason  session.EndReason
	summary map[string]any
}

// Coordinator runs the input, processing, and output layers of a cycle.
type Coordinator struct {
	logger     *slog.Logger
	bus        *bus.Bus
	frontend   *bus.FrontendBus
	wctx       *workingctx.Manager
	status     *workingctx.StatusModel
	identities *identity.Store
	memory     memory.Store
	sessions   *session.Manager
	queue      *state.Queue
	modules    *modules.Registry
	tools      *toolcall.Registry
	workflows  *workflow.Runner
	segmenter  *intent.Segmenter
	validator  *intent.Validator
	reasoner   llm.Reasoner
	speaker    *tts.Speaker

	mu       sync.Mutex // protects injected, pending, ends
	injected *injection
	pending  map[string][]string // session id -> context for its next prompt
	ends     []sessionEnd
}

// New wires a coordinator and subscribes it to state promotions.
func New(deps Deps, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger:     logger.With("component", "coordinator"),
		bus:        deps.Bus,
		frontend:   deps.Frontend,
		wctx:       deps.WorkingCtx,
		status:     deps.Status,
		identities: deps.Identities,
		memory:     deps.Memory,
		sessions:   deps.Sessions,
		queue:      deps.Queue,
		modules:    deps.Modules,
		tools:      deps.Tools,
		workflows:  deps.Workflows,
		segmenter:  deps.Segmenter,
		validator:  deps.Validator,
		reasoner:   deps.Reasoner,
		speaker:    deps.Speaker,
		pending:    make(map[string][]string),
	}
	c.bus.Subscribe(bus.EventStateAdvanced, "coordinator", c.onStateAdvanced)
	return c
}

// onStateAdvanced parks the promoted item's content for the next cycle.
// Only CHAT and WORK promotions carry content through the layers; the
// special states are handled entirely by the state manager.
func (c *Coordinator) onStateAdvanced(evt bus.Event) {
	var p bus.StateAdvancedPayload
	if err := bus.Decode(evt.Data, &p); err != nil {
		c.logger.Error("malformed STATE_ADVANCED payload", "error", err)
		return
	}
	st := state.State(p.NewState)
	if st != state.StateChat && st != state.StateWork {
		return
	}
	source := sourceQueue
	if wt, ok := p.Metadata["workflow_type"].(string); ok && wt == state.WorkflowTypeSystemReport {
		source = sourceSystemReport
	}
	c.mu.Lock()
	c.injected = &injection{
		Text:     p.Content,
		State:    st,
		Source:   source,
		Metadata: p.Metadata,
	}
	c.mu.Unlock()
}

func (c *Coordinator) takeInjection() *injection {
	c.mu.Lock()
	defer c.mu.Unlock()
	inj := c.injected
	c.injected = nil
	return inj
}

// inputResult is what the input layer hands to the processing layer.
type inputResult struct {
	text     string
	source   string
	injected bool
	state    state.State
	metadata map[string]any
	segments []intent.Segment
}

// RunCycle executes one full cycle for the given cycle index. It
// returns false when there was nothing to do, in which case no layer
// events are published and the loop should idle before the next tick.
func (c *Coordinator) RunCycle(ctx context.Context, cycle int) (bool, error) {
	var in inputResult
	if inj := c.takeInjection(); inj != nil {
		in = inputResult{
			text:     inj.Text,
			source:   inj.Source,
			injected: true,
			state:    inj.State,
			metadata: inj.Metadata,
		}
	} else {
		captured, ok, err := c.captureInput(ctx)
		if err != nil {
			return true, c.failCycle(ctx, cycle, "input", sessionRef{}, err)
		}
		if !ok {
			return false, nil
		}
		in = captured
	}

	nlp := any(in.segments)
	if in.injected {
		nlp = in.metadata
	}
	c.bus.Publish(bus.EventInputLayerComplete, bus.M(bus.InputLayerCompletePayload{
		CycleIndex: cycle,
		Text:       in.text,
		NLPResult:  nlp,
		Source:     in.source,
		Injected:   in.injected,
	}), "coordinator")

	proc, ref, err := c.processingLayer(ctx, cycle, in)
	if err != nil {
		return true, c.failCycle(ctx, cycle, "processing", ref, err)
	}
	c.bus.Publish(bus.EventProcessingLayerComplete, bus.M(bus.ProcessingLayerCompletePayload{
		CycleIndex: cycle,
		Path:       proc.path,
		Text:       proc.text,
		ToolCalled: proc.toolCalled,
	}), "coordinator")

	chunks, err := c.outputLayer(ctx, cycle, proc)
	if err != nil {
		return true, c.failCycle(ctx, cycle, "output", ref, err)
	}
	c.bus.Publish(bus.EventOutputLayerComplete, bus.M(bus.OutputLayerCompletePayload{
		CycleIndex: cycle,
		Chunks:     chunks,
		Errored:    false,
	}), "coordinator")

	c.flushSessionEnds()
	return true, nil
}

// captureInput polls the capture module for fresh input and segments
// it. The second return is false when no module is registered or
// nothing was waiting.
func (c *Coordinator) captureInput(ctx context.Context) (inputResult, bool, error) {
	capture, ok := c.modules.Capture()
	if !ok {
		return inputResult{}, false, nil
	}
	raw, ok, err := capture.TryCapture(ctx)
	if err != nil {
		return inputResult{}, false, fmt.Errorf("capture: %w", err)
	}
	if !ok || raw.Text == "" {
		return inputResult{}, false, nil
	}

	if raw.SpeakerID != "" {
		if ident, found := c.identities.ResolveSpeaker(raw.SpeakerID); found {
			c.wctx.SetDeclaredIdentityID(ident.IdentityID)
		} else {
			c.logger.Debug("speaker not mapped to an identity", "speaker_id", raw.SpeakerID)
		}
	}

	segments := c.validator.ValidateSegments(c.segmenter.Segment(raw.Text))
	return inputResult{
		text:     raw.Text,
		source:   sourceCapture,
		state:    c.queue.CurrentState(),
		segments: segments,
	}, true, nil
}

// flagSessionEnd schedules a session termination for the end of the
// current cycle.
func (c *Coordinator) flagSessionEnd(id string, typ session.Type, reason session.EndReason, summary map[string]any) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.ends {
		if e.id == id {
			return
		}
	}
	c.ends = append(c.ends, sessionEnd{id: id, typ: typ, reason: reason, summary: summary})
}

// flushSessionEnds applies every termination flagged during the cycle.
func (c *Coordinator) flushSessionEnds() {
	c.mu.Lock()
	ends := c.ends
	c.ends = nil
	c.mu.Unlock()

	for _, e := range ends {
		var err error
		switch e.typ {
		case session.TypeChatting:
			err = c.sessions.EndChattingSession(e.id, true, e.reason)
		case session.TypeWorkflow:
			err = c.sessions.EndWorkflowSession(e.id, e.summary, e.reason)
		}
		if err != nil {
			c.logger.Warn("flagged session end failed",
				"session_id", e.id,
				"reason", e.reason,
				"error", err)
		}
	}
}

// addPendingContext queues a context snippet for the next prompt of the
// given session. The empty session id addresses whichever turn runs
// next, which is how a finished background task reaches the following
// conversation.
func (c *Coordinator) addPendingContext(sessionID, snippet string) {
	if snippet == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[sessionID] = append(c.pending[sessionID], snippet)
}

// takePendingContext drains the snippets addressed to this session plus
// any addressed to the next turn globally.
func (c *Coordinator) takePendingContext(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append(c.pending[""], c.pending[sessionID]...)
	delete(c.pending, "")
	delete(c.pending, sessionID)
	if len(out) == 0 {
		return nil
	}
	return out
}
