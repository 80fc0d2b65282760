// Package workflow holds the catalogue of known workflows and the runner
// that executes them step by step inside a workflow session, with review,
// modification, and cancellation points between steps.
package workflow

import (
	"errors"
	"fmt"
	"sync"
)

// Execution modes. Direct workflows run in the foreground at full WORK
// priority; background workflows are clamped down by the scheduler.
const (
	ModeDirect     = "direct"
	ModeBackground = "background"
)

var (
	// ErrUnknownWorkflow indicates the requested name is not in the catalogue.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidDefinition indicates a definition that cannot be registered.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
)

// StepDef describes one step of a workflow definition.
type StepDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Action      string         `json:"action"` // sys-module action id
	Params      map[string]any `json:"params,omitempty"`

	// RequiresReview pauses the run before this step until it is
	// approved, modified, or cancelled.
	RequiresReview bool `json:"requires_review,omitempty"`

	// RequiresInput pauses the run before this step until user input
	// arrives; the value is the prompt shown to the user.
	RequiresInput string `json:"requires_input,omitempty"`
}

// Definition is one catalogued workflow: its matching surface for the
// intent validator and its executable steps for the runner.
type Definition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Mode        string `json:"mode"` // direct or background

	// Keywords score fuzzy matches; StrongKeywords short-circuit
	// validation to a confirmed match.
	Keywords       []string `json:"keywords,omitempty"`
	StrongKeywords []string `json:"strong_keywords,omitempty"`

	Steps []StepDef `json:"steps"`
}

// Catalogue is the registry of workflow definitions.
type Catalogue struct {
	mu    sync.RWMutex // protects defs and order
	defs  map[string]Definition
	order []string
}

// NewCatalogue creates an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering a name replaces it.
func (c *Catalogue) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, def.Name)
	}
	for i, step := range def.Steps {
		if step.Action == "" {
			return fmt.Errorf("%w: %s step %d has no action", ErrInvalidDefinition, def.Name, i)
		}
	}
	if def.Mode == "" {
		def.Mode = ModeDirect
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Name]; !exists {
		c.order = append(c.order, def.Name)
	}
	c.defs[def.Name] = def
	return nil
}

// Get returns a definition by name.
func (c *Catalogue) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// List returns every definition in registration order.
func (c *Catalogue) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.defs[name])
	}
	return out
}

// DefaultCatalogue returns the built-in workflow set.
func DefaultCatalogue() *Catalogue {
	c := NewCatalogue()

	// Registration cannot fail for the built-ins below.
	_ = c.Register(Definition{
		Name:           "get_weather",
		DisplayName:    "Weather lookup",
		Description:    "Fetch the current weather or forecast for a location and report it back",
		Mode:           ModeDirect,
		Keywords:       []string{"weather", "forecast", "temperature", "rain", "sunny", "check"},
		StrongKeywords: []string{"weather"},
		Steps: []StepDef{
			{
				Name:        "fetch_forecast",
				Description: "Query the weather source for the requested location",
				Action:      "get_weather",
			},
			{
				Name:        "compose_reply",
				Description: "Turn the raw forecast into a short spoken reply",
				Action:      "compose_reply",
			},
		},
	})

	_ = c.Register(Definition{
		Name:           "system_report",
		DisplayName:    "System report",
		Description:    "Collect host resource usage and summarize it",
		Mode:           ModeBackground,
		Keywords:       []string{"system", "report", "status", "usage", "disk", "cpu", "memory"},
		StrongKeywords: []string{"system report"},
		Steps: []StepDef{
			{
				Name:        "collect_metrics",
				Description: "Gather resource usage from the host",
				Action:      "system_report",
			},
			{
				Name:        "compose_reply",
				Description: "Summarize the collected metrics",
				Action:      "compose_reply",
			},
		},
	})

	return c
}
