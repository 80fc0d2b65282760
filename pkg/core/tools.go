package core

import (
	"context"
	"fmt"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/memory"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/toolcall"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workflow"
)

// defaultRetrieveLimit bounds retrieval when the model omits one.
const defaultRetrieveLimit = 5

// registerTools installs the full catalogue: workflow control on
// PATH_WORK, memory access on PATH_CHAT. The session_id and
// memory_token arguments are injected by the processing layer and
// override anything the model supplied, so every handler can trust
// them.
func registerTools(reg *toolcall.Registry, runner *workflow.Runner, store memory.Store) error {
	tools := append(workflowTools(runner), memoryTools(store)...)
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func workflowTools(runner *workflow.Runner) []toolcall.Tool {
	return []toolcall.Tool{
		{
			Name:        "start_workflow",
			Description: "Start a catalogued workflow in the current workflow session.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session to bind the run to."),
				"workflow":   stringProp("Catalogue name of the workflow to run."),
				"params":     objectProp("Initial parameters forwarded to the first step."),
			}, "session_id", "workflow"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				run, err := runner.Start(ctx, stringArg(args, "session_id"),
					stringArg(args, "workflow"), objectArg(args, "params"))
				if err != nil {
					return nil, err
				}
				return run.Summary(), nil
			},
		},
		{
			Name:        "get_workflow_status",
			Description: "Report the live status of the session's workflow run.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session to inspect."),
			}, "session_id"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				run, ok := runner.Status(stringArg(args, "session_id"))
				if !ok {
					return nil, workflow.ErrRunNotFound
				}
				return run.Summary(), nil
			},
		},
		{
			Name:        "review_step",
			Description: "Fetch the step currently paused for review.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session whose run is paused."),
			}, "session_id"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				step, index, err := runner.ReviewStep(stringArg(args, "session_id"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"step_index": index,
					"name":       step.Def.Name,
					"action":     step.Def.Action,
					"params":     step.Params,
					"status":     string(step.Status),
				}, nil
			},
		},
		{
			Name:        "approve_step",
			Description: "Approve the reviewed step and resume the run.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session whose step is approved."),
			}, "session_id"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				run, err := runner.Approve(ctx, stringArg(args, "session_id"))
				if err != nil {
					return nil, err
				}
				return run.Summary(), nil
			},
		},
		{
			Name:        "modify_step",
			Description: "Override parameters of the step paused for review.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session whose step is modified."),
				"params":     objectProp("Parameter overrides merged into the step."),
			}, "session_id", "params"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				run, err := runner.Modify(stringArg(args, "session_id"), objectArg(args, "params"))
				if err != nil {
					return nil, err
				}
				return run.Summary(), nil
			},
		},
		{
			Name:        "cancel_workflow",
			Description: "Cancel the session's workflow run.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session whose run is cancelled."),
				"reason":     stringProp("Why the run is being cancelled."),
			}, "session_id"),
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				run, err := runner.Cancel(stringArg(args, "session_id"), stringArg(args, "reason"))
				if err != nil {
					return nil, err
				}
				return run.Summary(), nil
			},
		},
		{
			Name:        "provide_workflow_input",
			Description: "Answer the question a paused step asked for.",
			Path:        toolcall.PathWork,
			InputSchema: objectSchema(map[string]any{
				"session_id": stringProp("Workflow session awaiting input."),
				"input":      objectProp("The requested values, keyed by field name."),
			}, "session_id", "input"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				run, err := runner.ProvideInput(ctx, stringArg(args, "session_id"), objectArg(args, "input"))
				if err != nil {
					return nil, err
				}
				return run.Summary(), nil
			},
		},
	}
}

func memoryTools(store memory.Store) []toolcall.Tool {
	return []toolcall.Tool{
		{
			Name:        "memory_retrieve_snapshots",
			Description: "Retrieve stored memories ranked by relevance to a query.",
			Path:        toolcall.PathChat,
			InputSchema: objectSchema(map[string]any{
				"memory_token": stringProp("Token scoping the retrieval to one identity."),
				"query":        stringProp("Free-text relevance query; empty ranks by recency."),
				"limit":        intProp("Maximum snapshots to return."),
			}, "memory_token"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit := intArg(args, "limit", defaultRetrieveLimit)
				snaps, err := store.RetrieveSnapshots(ctx, stringArg(args, "memory_token"),
					stringArg(args, "query"), limit)
				if err != nil {
					return nil, err
				}
				return map[string]any{"snapshots": snaps}, nil
			},
		},
		{
			Name:        "memory_get_snapshot",
			Description: "Fetch one stored memory by id.",
			Path:        toolcall.PathChat,
			InputSchema: objectSchema(map[string]any{
				"memory_token": stringProp("Token that must own the snapshot."),
				"snapshot_id":  stringProp("Id of the snapshot to fetch."),
			}, "memory_token", "snapshot_id"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return store.GetSnapshot(ctx, stringArg(args, "memory_token"),
					stringArg(args, "snapshot_id"))
			},
		},
		{
			Name:        "memory_search_timeline",
			Description: "List memories inside a time window in chronological order.",
			Path:        toolcall.PathChat,
			InputSchema: objectSchema(map[string]any{
				"memory_token": stringProp("Token scoping the search to one identity."),
				"from":         stringProp("Window start, RFC 3339; empty means the epoch."),
				"to":           stringProp("Window end, RFC 3339; empty means now."),
				"query":        stringProp("Optional substring filter on content."),
			}, "memory_token"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				from, err := timeArg(args, "from", time.Time{})
				if err != nil {
					return nil, err
				}
				to, err := timeArg(args, "to", time.Now())
				if err != nil {
					return nil, err
				}
				snaps, err := store.SearchTimeline(ctx, stringArg(args, "memory_token"),
					from, to, stringArg(args, "query"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"snapshots": snaps}, nil
			},
		},
		{
			Name:        "memory_update_profile",
			Description: "Merge fields into the identity's profile document.",
			Path:        toolcall.PathChat,
			InputSchema: objectSchema(map[string]any{
				"memory_token": stringProp("Token whose profile is updated."),
				"fields":       objectProp("Fields to merge into the profile."),
			}, "memory_token", "fields"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				token := stringArg(args, "memory_token")
				if err := store.UpdateProfile(ctx, token, objectArg(args, "fields")); err != nil {
					return nil, err
				}
				return store.GetProfile(ctx, token)
			},
		},
		{
			Name:        "memory_store_observation",
			Description: "Store an explicit observation about the user.",
			Path:        toolcall.PathChat,
			InputSchema: objectSchema(map[string]any{
				"memory_token": stringProp("Token the observation is stored under."),
				"content":      stringProp("The observation text."),
				"metadata":     objectProp("Optional structured context."),
			}, "memory_token", "content"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return store.StoreSnapshot(ctx, stringArg(args, "memory_token"),
					memory.KindObservation, stringArg(args, "content"), objectArg(args, "metadata"))
			},
		},
	}
}

// ── schema and argument helpers ─────────────────────────────────

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectProp(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "minimum": 1, "description": desc}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func objectArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// intArg tolerates both float64 (JSON numbers) and int (Go callers).
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// timeArg parses an RFC 3339 string argument; absent or empty selects
// the fallback.
func timeArg(args map[string]any, key string, fallback time.Time) (time.Time, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}
