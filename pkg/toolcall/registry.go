package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Path tags a tool with the semantic mode it may be called in.
type Path string

const (
	// PathChat scopes the memory tools: retrieval is a conversational
	// concern and never drives workflows.
	PathChat Path = "PATH_CHAT"

	// PathWork scopes the workflow control tools.
	PathWork Path = "PATH_WORK"
)

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 30 * time.Second

// Registry errors.
var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrWrongPath   = errors.New("tool not available on this path")
	ErrInvalidArgs = errors.New("invalid tool arguments")
	ErrToolTimeout = errors.New("tool invocation timed out")
)

// Handler executes one tool call. Args have already been validated
// against the tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one model-callable function.
type Tool struct {
	Name        string
	Description string
	Path        Path
	// InputSchema is a JSON Schema for the arguments object. Empty
	// means no validation.
	InputSchema map[string]any
	Handler     Handler
}

// Registry holds the tool catalogue partitioned by path and dispatches
// validated, timeout-bounded invocations. Registration is idempotent by
// name so modules can re-register on wake.
type Registry struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex // protects tools, order
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry. A zero timeout selects
// DefaultToolTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Registry{
		logger:  logger.With("component", "tool_registry"),
		timeout: timeout,
		tools:   make(map[string]Tool),
	}
}

// Register adds a tool to the catalogue, replacing any previous tool of
// the same name.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.Path != PathChat && t.Path != PathWork {
		return fmt.Errorf("tool %s: unknown path %q", t.Name, t.Path)
	}

	r.mu.Lock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	r.mu.Unlock()

	r.logger.Debug("tool registered", "tool", t.Name, "path", t.Path)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ForPath returns the tools scoped to a path, in registration order.
// This is the catalogue handed to the reasoning module.
func (r *Registry) ForPath(p Path) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range r.order {
		if t := r.tools[name]; t.Path == p {
			out = append(out, t)
		}
	}
	return out
}

// Names returns the tool names scoped to a path, in registration order.
func (r *Registry) Names(p Path) []string {
	var names []string
	for _, t := range r.ForPath(p) {
		names = append(names, t.Name)
	}
	return names
}

// Invoke validates args against the tool's schema and runs its handler
// under the registry timeout. The path must match the tool's tag; a
// tool from the wrong catalogue is rejected without running.
func (r *Registry) Invoke(ctx context.Context, path Path, name string, args map[string]any) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if tool.Path != path {
		return nil, fmt.Errorf("%w: %s is %s, call came from %s", ErrWrongPath, name, tool.Path, path)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(tool, args); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		value, err := tool.Handler(ctx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		r.logger.Debug("tool invoked",
			"tool", name,
			"path", path,
			"duration_ms", time.Since(start).Milliseconds(),
			"errored", out.err != nil)
		return out.value, out.err
	case <-ctx.Done():
		r.logger.Warn("tool timed out", "tool", name, "timeout", r.timeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, r.timeout)
	}
}

// validateArgs checks args against the tool's JSON Schema.
func validateArgs(tool Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(tool.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("%w: schema check failed: %v", ErrInvalidArgs, err)
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			details[i] = verr.String()
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidArgs, tool.Name, strings.Join(details, "; "))
	}
	return nil
}

// Call serves one JSON-RPC request against the catalogue for path,
// mapping registry errors onto the protocol's error codes.
func (r *Registry) Call(ctx context.Context, path Path, req Request) Response {
	if req.JSONRPC != Version {
		return errorResponse(req.ID, NewError(CodeInvalidRequest,
			fmt.Sprintf("jsonrpc must be %q", Version), nil))
	}
	if req.Method == "" {
		return errorResponse(req.ID, NewError(CodeInvalidRequest, "method is required", nil))
	}

	args := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return errorResponse(req.ID, NewError(CodeInvalidParams,
				"params must be an object", err.Error()))
		}
	}

	result, err := r.Invoke(ctx, path, req.Method, args)
	if err != nil {
		return errorResponse(req.ID, errorFor(err))
	}
	return successResponse(req.ID, result)
}

// HandleRaw parses a raw JSON-RPC request body and serves it. Used by
// the HTTP bridge.
func (r *Registry) HandleRaw(ctx context.Context, path Path, body []byte) Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, NewError(CodeParseError, "invalid JSON", err.Error()))
	}
	return r.Call(ctx, path, req)
}

// errorFor maps an invocation error to a protocol error object.
func errorFor(err error) *Error {
	switch {
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrWrongPath):
		return NewError(CodeMethodNotFound, err.Error(), nil)
	case errors.Is(err, ErrInvalidArgs):
		return NewError(CodeInvalidParams, err.Error(), nil)
	case errors.Is(err, ErrToolTimeout):
		return NewError(CodeServerError, err.Error(), nil)
	default:
		return NewError(CodeInternalError, err.Error(), nil)
	}
}
