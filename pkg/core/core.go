// Package core assembles the orchestrator from its parts and runs the
// cycle loop. Everything the control API and the host embed goes through
// the Core: input injection, wake and sleep, and the live status view.
//
// Construction order follows the dependency chain: bus and working
// context first, then the stores, then session and state management,
// then the coordinator, and the loop last. Nothing here contains
// behaviour of its own beyond the small adapters that glue one
// component's interface to another's.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/coordinator"
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

// Persisted artifact names under MemoryDir.
const (
	identitiesDirName   = "identities"
	snapshotDBName      = "snapshots.db"
	sessionRecordsName  = "session_records.json"
	stateQueueName      = "state_queue.json"
	sleepContextName    = "sleep_context.json"
	defaultCaptureDepth = 16
)

// DefaultMaxSessionAge is the inactivity limit applied when the config
// leaves it unset.
const DefaultMaxSessionAge = 5 * time.Minute

var (
	// ErrNoReasoner rejects construction without a reasoning module.
	ErrNoReasoner = errors.New("a reasoner is required")

	// ErrEmptyInput rejects injection of blank text.
	ErrEmptyInput = errors.New("input text is empty")

	// ErrUnknownIdentity rejects injection under an identity or speaker
	// id the store has never seen.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrInputBacklog reports a full capture buffer; the caller should
	// retry after the loop drains a cycle.
	ErrInputBacklog = errors.New("capture buffer is full")

	// ErrAlreadyRunning and ErrNotRunning guard the loop lifecycle.
	ErrAlreadyRunning = errors.New("core already running")
	ErrNotRunning     = errors.New("core is not running")
)

// Config carries the tunables the host decides. Zero values select the
// documented defaults; only Reasoner and MemoryDir are required.
type Config struct {
	// MemoryDir is the root of every persisted artifact: the state
	// queue, session records, identities, snapshots, sleep context.
	MemoryDir string

	// Reasoner is the reasoning module the coordinator consults. The
	// Core owns it and closes it on Stop.
	Reasoner llm.Reasoner

	// MaxSessionAge is the inactivity limit before the sweeper ends a
	// session. RecordKeepDays bounds the nightly record cleanup.
	MaxSessionAge  time.Duration
	RecordKeepDays int

	// ToolTimeout bounds one tool invocation; zero selects the
	// registry default.
	ToolTimeout time.Duration

	// ChunkBudget is the character budget per spoken chunk; zero
	// selects the speaker default.
	ChunkBudget int

	// CaptureBuffer is the injected-input backlog depth.
	CaptureBuffer int

	// MischiefEnabled gates autonomous MISCHIEF entries entirely.
	MischiefEnabled bool

	// Boredom and mood thresholds for self-queued special states, and
	// the minimum gap between two of them. Zero selects the state
	// manager defaults.
	SleepBoredom         float64
	MischiefBoredom      float64
	MischiefMood         float64
	SpecialStateDebounce time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = DefaultMaxSessionAge
	}
	if c.CaptureBuffer <= 0 {
		c.CaptureBuffer = defaultCaptureDepth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Core owns the full component graph and the loop that drives it.
type Core struct {
	logger   *slog.Logger
	cfg      Config
	bus      *bus.Bus
	frontend *bus.FrontendBus

	wctx       *workingctx.Manager
	status     *workingctx.StatusModel
	identities *identity.Store
	memory     *memory.SQLiteStore
	records    *session.RecordStore
	sessions   *session.Manager
	queue      *state.Queue
	states     *state.Manager
	workflows  *workflow.Runner
	tools      *toolcall.Registry
	modules    *modules.Registry
	reasoner   llm.Reasoner
	speaker    *tts.Speaker
	coord      *coordinator.Coordinator
	loop       *Loop

	// capture is the injection channel. It doubles as the default stt
	// module; InjectInput keeps feeding it while it is parked so input
	// arriving during SLEEP is processed after the wake.
	capture *modules.QueueCapture
}

// New builds the component graph under cfg.MemoryDir. The Core is inert
// until Start.
func New(cfg Config) (*Core, error) {
	if cfg.Reasoner == nil {
		return nil, ErrNoReasoner
	}
	if cfg.MemoryDir == "" {
		return nil, errors.New("a memory directory is required")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	b := bus.New(logger)
	frontend := bus.NewFrontend(logger)
	wctx := workingctx.New(logger)
	status := workingctx.NewStatusModel(b)

	identities, err := identity.NewStore(filepath.Join(cfg.MemoryDir, identitiesDirName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening identity store: %w", err)
	}

	snapshots, err := memory.OpenSQLite(filepath.Join(cfg.MemoryDir, snapshotDBName))
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}

	records, err := session.NewRecordStore(filepath.Join(cfg.MemoryDir, sessionRecordsName), logger)
	if err != nil {
		snapshots.Close()
		return nil, fmt.Errorf("opening session records: %w", err)
	}
	sessions := session.NewManager(b, records, session.Config{
		MaxSessionAge:  cfg.MaxSessionAge,
		RecordKeepDays: cfg.RecordKeepDays,
	}, logger)

	queue := state.NewQueue(b, wctx, filepath.Join(cfg.MemoryDir, stateQueueName), logger)
	states := state.NewManager(b, sessions, wctx, status, queue, state.ManagerConfig{
		MischiefEnabled:      cfg.MischiefEnabled,
		SleepContextPath:     filepath.Join(cfg.MemoryDir, sleepContextName),
		SleepBoredom:         cfg.SleepBoredom,
		MischiefBoredom:      cfg.MischiefBoredom,
		MischiefMood:         cfg.MischiefMood,
		SpecialStateDebounce: cfg.SpecialStateDebounce,
	}, logger)

	registry := modules.NewRegistry(logger)
	capture := modules.NewQueueCapture(cfg.CaptureBuffer)
	sys := modules.NewDemoSystemActions()
	if err := registry.Register(modules.KindSTT, capture); err != nil {
		snapshots.Close()
		return nil, err
	}
	if err := registry.Register(modules.KindSys, sys); err != nil {
		snapshots.Close()
		return nil, err
	}

	catalogue := workflow.DefaultCatalogue()
	workflows := workflow.NewRunner(b, catalogue, sys, logger)

	tools := toolcall.NewRegistry(cfg.ToolTimeout, logger)
	if err := registerTools(tools, workflows, snapshots); err != nil {
		snapshots.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	states.SetModuleParker(registry)
	states.SetMischiefPlanner(&mischiefPlanner{
		reasoner: cfg.Reasoner,
		status:   status,
		logger:   logger,
	})
	states.SetActionRunner(sys)

	speaker := tts.NewSpeaker(b, cfg.ChunkBudget, logger)
	tagger := intent.NewLexiconTagger()

	c := &Core{
		logger:     logger.With("component", "core"),
		cfg:        cfg,
		bus:        b,
		frontend:   frontend,
		wctx:       wctx,
		status:     status,
		identities: identities,
		memory:     snapshots,
		records:    records,
		sessions:   sessions,
		queue:      queue,
		states:     states,
		workflows:  workflows,
		tools:      tools,
		modules:    registry,
		reasoner:   cfg.Reasoner,
		speaker:    speaker,
		capture:    capture,
	}
	c.coord = coordinator.New(coordinator.Deps{
		Bus:        b,
		Frontend:   frontend,
		WorkingCtx: wctx,
		Status:     status,
		Identities: identities,
		Memory:     snapshots,
		Sessions:   sessions,
		Queue:      queue,
		Modules:    registry,
		Tools:      tools,
		Workflows:  workflows,
		Segmenter:  intent.NewSegmenter(tagger, logger),
		Validator:  intent.NewValidator(catalogue, logger),
		Reasoner:   cfg.Reasoner,
		Speaker:    speaker,
	}, logger)
	c.loop = NewLoop(c.coord, queue, wctx, b, logger)
	return c, nil
}

// Start loads persisted state, starts the sweeper and the loop, and
// resumes a sleep left over from a previous run.
func (c *Core) Start(ctx context.Context) error {
	if c.loop.Running() {
		return ErrAlreadyRunning
	}
	if err := c.queue.Load(); err != nil {
		c.logger.Warn("state queue not restored", "error", err)
	}
	c.sessions.StartSweeper()
	if c.states.ResumeSleepIfPresent() {
		c.logger.Info("resumed sleep from previous run")
	}
	c.loop.Start(ctx)
	c.logger.Info("core started", "memory_dir", c.cfg.MemoryDir, "modules", c.modules.Kinds())
	return nil
}

// Stop winds the system down: the loop finishes its current cycle, the
// sweeper stops, and owned resources are closed.
func (c *Core) Stop() error {
	if !c.loop.Running() {
		return ErrNotRunning
	}
	c.loop.Stop()
	c.sessions.StopSweeper()

	var firstErr error
	if err := c.reasoner.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.modules.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.memory.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info("core stopped")
	return firstErr
}

// InjectInput feeds one utterance into the capture path under the given
// identity. The identity may be an identity id or a speaker id; empty
// leaves the turn to the current-identity fallback. Input injected
// during SLEEP stays buffered until an explicit wake.
func (c *Core) InjectInput(text, identityRef string) error {
	if text == "" {
		return ErrEmptyInput
	}
	speakerID := ""
	if identityRef != "" {
		ident, ok := c.identities.Get(identityRef)
		if !ok {
			ident, ok = c.identities.ResolveSpeaker(identityRef)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, identityRef)
		}
		if ident.SpeakerID != "" {
			// The capture layer re-resolves the speaker and pins the
			// declared identity at the moment the text is picked up.
			speakerID = ident.SpeakerID
		} else {
			c.wctx.SetDeclaredIdentityID(ident.IdentityID)
		}
	}
	if !c.capture.Push(text, speakerID) {
		return ErrInputBacklog
	}
	c.logger.Debug("input injected", "chars", len(text), "identity", identityRef)
	return nil
}

// Wake exits SLEEP or MISCHIEF: modules are restored, the sleep context
// is removed, and WAKE_READY fires once the full set is back.
func (c *Core) Wake(reason string) error {
	if reason == "" {
		reason = "wake_requested"
	}
	return c.states.ExitSpecialState(reason)
}

// RequestSleep enqueues a SLEEP state. With an empty queue it takes
// effect on the next tick; otherwise it waits behind pending work.
// Returns false when a sleep is already active or queued.
func (c *Core) RequestSleep(reason string) bool {
	if reason == "" {
		reason = "sleep_requested"
	}
	if c.states.Current() == state.StateSleep {
		return false
	}
	if cur, ok := c.queue.CurrentItem(); ok && cur.State == state.StateSleep {
		return false
	}
	for _, item := range c.queue.Pending() {
		if item.State == state.StateSleep {
			return false
		}
	}
	return c.queue.AddState(state.StateSleep, reason, "", nil)
}

// EmergencyStop records an ERROR transition and halts the loop. The
// in-flight cycle still runs to completion; Go offers no way to
// interrupt it mid-layer.
func (c *Core) EmergencyStop(reason string) {
	c.logger.Error("emergency stop", "reason", reason)
	c.states.SetState(state.StateError, &state.ChangeContext{Text: reason})
	c.loop.Stop()
}

// Snapshot is the control-surface view of the orchestrator.
type Snapshot struct {
	State      string             `json:"state"`
	Executing  bool               `json:"executing"`
	CycleIndex int                `json:"cycle_index"`
	QueueDepth int                `json:"queue_depth"`
	Sessions   map[string]int     `json:"sessions"`
	Status     map[string]float64 `json:"status"`
	Modules    []string           `json:"modules"`
	Running    bool               `json:"running"`
}

// StatusSnapshot returns the live view served by the control API.
func (c *Core) StatusSnapshot() Snapshot {
	_, executing := c.queue.CurrentItem()
	counts := c.sessions.ActiveCounts()
	sessions := make(map[string]int, len(counts))
	for typ, n := range counts {
		sessions[string(typ)] = n
	}
	return Snapshot{
		State:      string(c.queue.CurrentState()),
		Executing:  executing,
		CycleIndex: c.wctx.CycleIndex(),
		QueueDepth: c.queue.Len(),
		Sessions:   sessions,
		Status:     c.status.Snapshot(),
		Modules:    c.modules.Kinds(),
		Running:    c.loop.Running(),
	}
}

// Component accessors for the API layer and tests.

func (c *Core) Bus() *bus.Bus                       { return c.bus }
func (c *Core) Frontend() *bus.FrontendBus          { return c.frontend }
func (c *Core) Sessions() *session.Manager          { return c.sessions }
func (c *Core) Queue() *state.Queue                 { return c.queue }
func (c *Core) States() *state.Manager              { return c.states }
func (c *Core) Status() *workingctx.StatusModel     { return c.status }
func (c *Core) WorkingContext() *workingctx.Manager { return c.wctx }
func (c *Core) Identities() *identity.Store         { return c.identities }
func (c *Core) Memory() memory.Store                { return c.memory }
func (c *Core) Tools() *toolcall.Registry           { return c.tools }
func (c *Core) Workflows() *workflow.Runner         { return c.workflows }
func (c *Core) Modules() *modules.Registry          { return c.modules }

// mischiefPlanner adapts the reasoner's mischief mode to the state
// manager's planning hook.
type mischiefPlanner struct {
	reasoner llm.Reasoner
	status   *workingctx.StatusModel
	logger   *slog.Logger
}

func (p *mischiefPlanner) PlanMischief(ctx context.Context) ([]state.MischiefAction, error) {
	snap := p.status.Snapshot()
	req := llm.Request{
		Mode: llm.ModeMischief,
		Prompt: fmt.Sprintf("Boredom is %.2f and mood is %.2f. Plan up to three harmless desk pranks.",
			snap[workingctx.StatusBoredom], snap[workingctx.StatusMood]),
		System: `Reply with one JSON object: {"actions": [{"action_id", "params"?}]}. ` +
			`Params may carry "min_mood" to gate an action on the current mood. ` +
			`Only plan reversible, harmless actions.`,
	}
	resp, err := p.reasoner.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("planning mischief: %w", err)
	}
	actions := make([]state.MischiefAction, 0, len(resp.Actions))
	for _, a := range resp.Actions {
		actions = append(actions, state.MischiefAction{ActionID: a.ActionID, Params: a.Params})
	}
	p.logger.Debug("mischief planned", "actions", len(actions))
	return actions, nil
}
