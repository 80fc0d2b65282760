package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/identity"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/intent"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/memory"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/toolcall"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

// turn is one reasoning pass over a session: the mode, the tool path
// scoped to it, and the identity whose memory it touches.
type turn struct {
	mode        llm.Mode
	path        toolcall.Path
	text        string
	sessionID   string
	sessionType session.Type
	identity    workingctx.IdentityRef
	metadata    map[string]any
	task        map[string]any // WS task definition, nil outside work
}

// processed is what the processing layer hands to the output layer.
type processed struct {
	path       string
	text       string
	mode       llm.Mode
	toolCalled string
}

// processingLayer routes the cycle's input. Injected content always
// becomes a reasoning turn. Captured input becomes a turn only when it
// belongs to the session in progress; an actionable command spoken
// mid-chat preempts the conversation instead, and everything else is
// enqueued for a later cycle.
func (c *Coordinator) processingLayer(ctx context.Context, cycle int, in inputResult) (processed, sessionRef, error) {
	if in.injected {
		t, err := c.turnForInjection(in)
		ref := sessionRef{id: t.sessionID, typ: t.sessionType}
		if err != nil {
			return processed{}, ref, err
		}
		proc, err := c.processTurn(ctx, cycle, t)
		return proc, ref, err
	}

	if in.state == state.StateChat {
		if cs, ok := c.sessions.ActiveChatting(); ok {
			ref := sessionRef{id: cs.ID, typ: session.TypeChatting}
			if seg, found := matchedWorkSegment(in.segments); found {
				ident := c.resolveIdentity()
				c.queue.InterruptChatForWork(seg.Text, ident.IdentityID, seg.Metadata)
				c.flagSessionEnd(cs.ID, session.TypeChatting, session.ReasonWorkInterrupt, nil)
				c.logger.Info("chat preempted by actionable command",
					"session_id", cs.ID,
					"command", seg.Text)
				return processed{}, ref, nil
			}
			t := turn{
				mode:        llm.ModeChat,
				path:        toolcall.PathChat,
				text:        in.text,
				sessionID:   cs.ID,
				sessionType: session.TypeChatting,
				identity:    c.resolveIdentity(),
			}
			proc, err := c.processTurn(ctx, cycle, t)
			return proc, ref, err
		}
	}

	if in.state == state.StateWork {
		if ws, ok := c.activeWorkflowSession(); ok && c.workflows.AwaitingInteraction(ws.ID) {
			t := turn{
				mode:        llm.ModeWork,
				path:        toolcall.PathWork,
				text:        in.text,
				sessionID:   ws.ID,
				sessionType: session.TypeWorkflow,
				identity:    c.resolveIdentity(),
				task:        ws.TaskDefinition,
			}
			proc, err := c.processTurn(ctx, cycle, t)
			return proc, sessionRef{id: ws.ID, typ: session.TypeWorkflow}, err
		}
	}

	added := c.queue.ProcessNLPIntents(in.segments)
	c.logger.Debug("input enqueued", "cycle", cycle, "segments", len(in.segments), "added", added)
	return processed{}, sessionRef{}, nil
}

// turnForInjection resolves the session and reasoning mode for promoted
// queue content. CHAT runs against the chatting session; WORK picks
// internal mode for notification sessions, direct mode for answers that
// lost their question, and full work mode otherwise.
func (c *Coordinator) turnForInjection(in inputResult) (turn, error) {
	ident := c.resolveIdentity()
	switch in.state {
	case state.StateChat:
		cs, ok := c.sessions.ActiveChatting()
		if !ok {
			return turn{}, fmt.Errorf("chat promoted with no chatting session")
		}
		return turn{
			mode:        llm.ModeChat,
			path:        toolcall.PathChat,
			text:        in.text,
			sessionID:   cs.ID,
			sessionType: session.TypeChatting,
			identity:    ident,
			metadata:    in.metadata,
		}, nil

	case state.StateWork:
		ws, ok := c.activeWorkflowSession()
		if !ok {
			return turn{}, fmt.Errorf("work promoted with no workflow session")
		}
		t := turn{
			text:        in.text,
			sessionID:   ws.ID,
			sessionType: session.TypeWorkflow,
			identity:    ident,
			metadata:    in.metadata,
			task:        ws.TaskDefinition,
		}
		switch {
		case ws.TaskType == session.TaskSystemNotification:
			t.mode = llm.ModeInternal
		case intentTypeOf(in.metadata) == string(intent.IntentResponse):
			t.mode = llm.ModeDirect
		default:
			t.mode = llm.ModeWork
			t.path = toolcall.PathWork
		}
		return t, nil
	}
	return turn{}, fmt.Errorf("unexpected injected state %s", in.state)
}

// processTurn runs one reasoning pass and applies whatever the response
// asks for: a tool invocation, a system action, memory writes, status
// deltas, or a session termination.
func (c *Coordinator) processTurn(ctx context.Context, cycle int, t turn) (processed, error) {
	c.sessions.Touch(t.sessionID)

	req := llm.Request{
		Mode:   t.mode,
		Prompt: c.buildPrompt(t),
		System: c.systemPrompt(t),
	}
	if t.path != "" {
		req.Tools = toolSpecs(c.tools.ForPath(t.path))
		req.ToolChoice = c.chooseToolMode(t, len(req.Tools))
	}

	resp, err := c.reasoner.Generate(ctx, req)
	if err != nil {
		return processed{}, fmt.Errorf("reasoner: %w", err)
	}

	out := processed{path: string(t.path), mode: t.mode}
	if resp.FunctionCall != nil {
		out.toolCalled = resp.FunctionCall.Name
		c.dispatchFunctionCall(ctx, t, resp.FunctionCall)
	} else {
		out.text = resp.Text
		c.applyResponse(ctx, cycle, t, resp)
	}

	c.bus.Publish(bus.EventLLMResponseGenerated, bus.M(bus.LLMResponsePayload{
		CycleIndex:   cycle,
		Mode:         string(t.mode),
		Text:         out.text,
		Confidence:   resp.Confidence,
		FunctionCall: out.toolCalled,
	}), "coordinator")
	return out, nil
}

// chooseToolMode forces a tool call on work turns so the model keeps
// the workflow moving, except while a run waits on the user and prose
// is the right reply. Chat retrieval is always the model's choice.
func (c *Coordinator) chooseToolMode(t turn, toolCount int) llm.ToolChoice {
	if t.path == toolcall.PathWork && toolCount > 0 && !c.workflows.AwaitingInteraction(t.sessionID) {
		return llm.ToolChoiceAny
	}
	return llm.ToolChoiceAuto
}

// resolveIdentity applies the precedence declared > current > default
// and pins the winner as the current identity. The declared override is
// consumed by the turn that reads it.
func (c *Coordinator) resolveIdentity() workingctx.IdentityRef {
	if id := c.wctx.DeclaredIdentityID(); id != "" {
		c.wctx.ClearDeclaredIdentity()
		if ident, ok := c.identities.Get(id); ok {
			ref := identityRefOf(ident)
			c.wctx.SetCurrentIdentity(ref)
			return ref
		}
		c.logger.Warn("declared identity unknown, ignoring", "identity_id", id)
	}
	if ref, ok := c.wctx.CurrentIdentity(); ok {
		return ref
	}
	ref := identityRefOf(c.identities.Default())
	c.wctx.SetCurrentIdentity(ref)
	return ref
}

// activeWorkflowSession returns the workflow session under the current
// general session, if one is running.
func (c *Coordinator) activeWorkflowSession() (session.Session, bool) {
	gs, ok := c.sessions.ActiveGeneral()
	if !ok {
		return session.Session{}, false
	}
	wss := c.sessions.ActiveWorkflows(gs.ID)
	if len(wss) == 0 {
		return session.Session{}, false
	}
	return wss[0], true
}

// buildPrompt assembles the user-facing prompt: the turn text, any
// context queued from earlier tool calls or finished tasks, and the
// workflow situation on work turns.
func (c *Coordinator) buildPrompt(t turn) string {
	var b strings.Builder
	b.WriteString(t.text)

	if snippets := c.takePendingContext(t.sessionID); len(snippets) > 0 {
		b.WriteString("\n\nContext from earlier turns:\n")
		for _, s := range snippets {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	if t.mode == llm.ModeWork {
		if wf := workflowHint(t.metadata, t.task); wf != "" {
			b.WriteString("\nMatched workflow: ")
			b.WriteString(wf)
		}
		if run, ok := c.workflows.Status(t.sessionID); ok && !run.Finished() {
			fmt.Fprintf(&b, "\nActive run %s is %s", run.ID, run.Status)
			if run.Status == workflow.RunAwaitingInput && run.InputPrompt != "" {
				b.WriteString(": ")
				b.WriteString(run.InputPrompt)
			}
		}
	}
	return b.String()
}

// systemPrompt frames the persona, the live status, and the JSON shape
// the current mode expects back.
func (c *Coordinator) systemPrompt(t turn) string {
	name := t.identity.DisplayName
	if name == "" {
		name = "the user"
	}
	snap := c.status.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "You are a desk companion talking with %s.\n", name)
	fmt.Fprintf(&b, "Status: mood %.2f, pride %.2f, helpfulness %.2f, boredom %.2f.\n",
		snap[workingctx.StatusMood],
		snap[workingctx.StatusPride],
		snap[workingctx.StatusHelpfulness],
		snap[workingctx.StatusBoredom])
	b.WriteString(modeInstructions[t.mode])
	return b.String()
}

// modeInstructions tell the model which response schema applies. The
// scripted reasoner ignores these; the hosted one depends on them.
var modeInstructions = map[llm.Mode]string{
	llm.ModeChat: `Reply with one JSON object: {"text", "confidence" (0..1)} plus optional ` +
		`"status_updates" ({"mood_delta","pride_delta","helpfulness_delta","boredom_delta"}), ` +
		`"memory_observation", "learning_signals", and "session_control" ` +
		`({"should_end_session","end_reason","confidence"}).`,
	llm.ModeWork: `Reply with one JSON object: {"text", "confidence" (0..1), "sys_action"} where ` +
		`sys_action is {"action": "start_workflow"|"execute_function"|"provide_options", ` +
		`"target", "parameters", "confidence", "requires_confirmation", "reason"}. ` +
		`Optional: "status_updates", "session_control".`,
	llm.ModeDirect:   `Reply with one JSON object: {"text"}.`,
	llm.ModeInternal: `Reply with one JSON object: {"text", "confidence" (0..1)}.`,
}

// dispatchFunctionCall executes a model-requested tool. Scoping
// arguments always come from the core, never from the model: work tools
// get the current workflow session, chat tools the resolved memory
// token. Results and failures both reach the model as context on its
// next turn.
func (c *Coordinator) dispatchFunctionCall(ctx context.Context, t turn, call *llm.FunctionCall) {
	args := make(map[string]any, len(call.Arguments)+1)
	for k, v := range call.Arguments {
		args[k] = v
	}
	switch t.path {
	case toolcall.PathWork:
		args["session_id"] = t.sessionID
	case toolcall.PathChat:
		args["memory_token"] = t.identity.MemoryToken
	}

	result, err := c.tools.Invoke(ctx, t.path, call.Name, args)
	if err != nil {
		c.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
		c.addPendingContext(t.sessionID, fmt.Sprintf("Tool %s failed: %v", call.Name, err))
		return
	}
	c.addPendingContext(t.sessionID, formatResult("Tool "+call.Name, result))

	if t.path == toolcall.PathWork {
		c.settleWorkflowRun(t.sessionID)
	}
}

// applyResponse handles a prose (non tool-calling) response per mode.
func (c *Coordinator) applyResponse(ctx context.Context, cycle int, t turn, resp *llm.Response) {
	switch t.mode {
	case llm.ModeChat:
		c.recordChatTurn(ctx, cycle, t, resp)
		c.applyStatusUpdates(resp.StatusUpdates)
		c.applyLearningSignals(ctx, t, resp.LearningSignals)
		c.applySessionControl(t, resp.SessionControl)

	case llm.ModeWork:
		c.dispatchSysAction(ctx, t, resp)
		c.applyStatusUpdates(resp.StatusUpdates)
		c.applySessionControl(t, resp.SessionControl)

	case llm.ModeInternal:
		// A notification session is one report long.
		c.flagSessionEnd(t.sessionID, session.TypeWorkflow, session.ReasonCompleted,
			map[string]any{"notified": true})

	case llm.ModeDirect:
		if t.sessionType == session.TypeWorkflow {
			c.flagSessionEnd(t.sessionID, session.TypeWorkflow, session.ReasonCompleted,
				map[string]any{"direct_reply": true})
		}
	}
}

// recordChatTurn persists the exchange under the speaker's memory token
// and announces every snapshot written.
func (c *Coordinator) recordChatTurn(ctx context.Context, cycle int, t turn, resp *llm.Response) {
	if resp.Text != "" {
		content := fmt.Sprintf("user: %s\nreply: %s", t.text, resp.Text)
		meta := map[string]any{"cycle_index": cycle, "session_id": t.sessionID}
		c.storeMemory(ctx, cycle, t.identity.MemoryToken, memory.KindSnapshot, content, meta)
	}
	if resp.MemoryObservation != "" {
		meta := map[string]any{"cycle_index": cycle, "session_id": t.sessionID}
		c.storeMemory(ctx, cycle, t.identity.MemoryToken, memory.KindObservation, resp.MemoryObservation, meta)
	}
}

func (c *Coordinator) storeMemory(ctx context.Context, cycle int, token, kind, content string, meta map[string]any) {
	snap, err := c.memory.StoreSnapshot(ctx, token, kind, content, meta)
	if err != nil {
		c.logger.Error("memory write failed", "kind", kind, "error", err)
		return
	}
	c.bus.Publish(bus.EventMemoryCreated, bus.M(bus.MemoryCreatedPayload{
		SnapshotID:  snap.ID,
		MemoryToken: snap.MemoryToken,
		Kind:        snap.Kind,
		CycleIndex:  cycle,
	}), "coordinator")
}

// statusFieldByDelta maps response delta keys onto status fields.
var statusFieldByDelta = map[string]string{
	"mood_delta":        workingctx.StatusMood,
	"pride_delta":       workingctx.StatusPride,
	"helpfulness_delta": workingctx.StatusHelpfulness,
	"boredom_delta":     workingctx.StatusBoredom,
}

func (c *Coordinator) applyStatusUpdates(updates map[string]float64) {
	if len(updates) == 0 {
		return
	}
	deltas := make(map[string]float64, len(updates))
	for key, delta := range updates {
		if field, ok := statusFieldByDelta[key]; ok {
			deltas[field] = delta
		}
	}
	if len(deltas) > 0 {
		c.status.Apply(deltas)
	}
}

func (c *Coordinator) applyLearningSignals(ctx context.Context, t turn, signals map[string]any) {
	if len(signals) == 0 {
		return
	}
	if err := c.memory.UpdateProfile(ctx, t.identity.MemoryToken, signals); err != nil {
		c.logger.Warn("profile update failed", "memory_token", t.identity.MemoryToken, "error", err)
	}
}

// applySessionControl lets the model end the chatting session, but only
// above the confidence floor. Workflow sessions end through their run,
// never through session_control.
func (c *Coordinator) applySessionControl(t turn, sc *llm.SessionControl) {
	if sc == nil || !sc.ShouldEndSession || sc.Confidence < sessionControlConfidence {
		return
	}
	if t.sessionType != session.TypeChatting {
		return
	}
	c.flagSessionEnd(t.sessionID, session.TypeChatting, session.ReasonLLMDirected,
		map[string]any{"model_reason": sc.EndReason})
}

// dispatchSysAction executes the action a work response carries.
// Actions flagged requires_confirmation are held; the reply text asks
// the user and a later turn decides.
func (c *Coordinator) dispatchSysAction(ctx context.Context, t turn, resp *llm.Response) {
	sa := resp.SysAction
	if sa == nil {
		return
	}
	if sa.RequiresConfirmation {
		c.logger.Info("sys_action held for confirmation", "action", sa.Action, "target", sa.Target)
		return
	}

	switch sa.Action {
	case llm.ActionStartWorkflow:
		if _, err := c.workflows.Start(ctx, t.sessionID, sa.Target, sa.Parameters); err != nil {
			c.logger.Warn("workflow start rejected", "workflow", sa.Target, "error", err)
			c.addPendingContext(t.sessionID, fmt.Sprintf("Workflow %s did not start: %v", sa.Target, err))
			return
		}
		c.settleWorkflowRun(t.sessionID)

	case llm.ActionExecuteFunction:
		exec, ok := c.modules.Actions()
		if !ok {
			c.addPendingContext(t.sessionID, "No system module is available for "+sa.Target)
			return
		}
		result, err := exec.ExecuteAction(ctx, sa.Target, sa.Parameters)
		if err != nil {
			c.logger.Warn("system action failed", "action", sa.Target, "error", err)
			c.addPendingContext(t.sessionID, fmt.Sprintf("Action %s failed: %v", sa.Target, err))
			return
		}
		c.addPendingContext("", formatResult("Action "+sa.Target, result))
		c.flagSessionEnd(t.sessionID, session.TypeWorkflow, session.ReasonCompleted, map[string]any{
			"action": sa.Target,
			"result": result,
		})

	case llm.ActionProvideOptions:
		// The reply text carries the options; the session stays open
		// for the user's choice.

	default:
		c.logger.Warn("unknown sys_action", "action", sa.Action)
	}
}

// settleWorkflowRun ends the workflow session once its run reaches a
// terminal state. The run summary becomes the session result, and a
// completed run is queued as context for whichever turn comes next.
func (c *Coordinator) settleWorkflowRun(sessionID string) {
	run, ok := c.workflows.Status(sessionID)
	if !ok || !run.Finished() {
		return
	}
	reason := session.ReasonCompleted
	switch run.Status {
	case workflow.RunFailed:
		reason = session.ReasonError
	case workflow.RunCancelled:
		reason = session.ReasonUserRequest
	}
	summary := run.Summary()
	if run.Status == workflow.RunCompleted {
		c.addPendingContext("", formatResult("Workflow "+run.Workflow, summary["result"]))
	}
	c.flagSessionEnd(sessionID, session.TypeWorkflow, reason, summary)
}

func matchedWorkSegment(segments []intent.Segment) (intent.Segment, bool) {
	for _, seg := range segments {
		if seg.Intent != intent.IntentWork {
			continue
		}
		if wf, ok := seg.Metadata[intent.MetaMatchedWorkflow].(string); ok && wf != "" {
			return seg, true
		}
	}
	return intent.Segment{}, false
}

func intentTypeOf(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[intent.MetaIntentType].(string); ok {
		return s
	}
	return ""
}

// workflowHint picks the workflow name a work turn should lead with: an
// explicit type on the item, the validator's match, or the one recorded
// on the session's task definition.
func workflowHint(meta, task map[string]any) string {
	for _, m := range []map[string]any{meta, task} {
		if m == nil {
			continue
		}
		if wt, ok := m["workflow_type"].(string); ok && wt != "" {
			return wt
		}
		if wf, ok := m[intent.MetaMatchedWorkflow].(string); ok && wf != "" {
			return wf
		}
	}
	return ""
}

func toolSpecs(tools []toolcall.Tool) []llm.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	out := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func formatResult(label string, result any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return label + " finished"
	}
	return fmt.Sprintf("%s returned %s", label, b)
}

func identityRefOf(id identity.Identity) workingctx.IdentityRef {
	return workingctx.IdentityRef{
		IdentityID:  id.IdentityID,
		DisplayName: id.DisplayName,
		SpeakerID:   id.SpeakerID,
		MemoryToken: id.MemoryToken,
	}
}
