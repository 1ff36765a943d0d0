package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/routeforge/engine/model"
)

// StepKind identifies the action variant a step carries.
type StepKind string

// The five step action kinds.
const (
	KindTransform    StepKind = "transform"
	KindAuditLog     StepKind = "audit-log"
	KindLLMCall      StepKind = "llm-call"
	KindApprovalGate StepKind = "approval-gate"
	KindMetricUpdate StepKind = "metric-update"
)

// Action is the behavior attached to a step. It is a closed sum over
// the five kinds; the runner dispatches on the concrete type.
type Action interface {
	Kind() StepKind
}

// Transform is a pure mapping of the current exchange body. It must be
// side-effect free: transforms are re-executed on recovery.
type Transform struct {
	Fn func(ctx context.Context, body string) (string, error)
}

// Kind implements Action.
func (Transform) Kind() StepKind { return KindTransform }

// AuditLog appends a RouteLog row built from the current body.
type AuditLog struct {
	Message func(body string) string
}

// Kind implements Action.
func (AuditLog) Kind() StepKind { return KindAuditLog }

// LLMCall invokes the chat model with messages built from the current
// body; the response becomes the new body. Side-effectful: on recovery
// an existing checkpoint's stepData is loaded instead of re-calling.
type LLMCall struct {
	Prompt func(body string) []model.Message
}

// Kind implements Action.
func (LLMCall) Kind() StepKind { return KindLLMCall }

// ApprovalGate suspends the exchange until an operator decides.
// Blocking gates wait in-process on the approval signal; non-blocking
// gates create the request and stop the route cleanly, leaving
// recovery to resume after the decision. Timeout <= 0 selects the
// service default.
type ApprovalGate struct {
	Timeout  time.Duration
	Blocking bool
}

// Kind implements Action.
func (ApprovalGate) Kind() StepKind { return KindApprovalGate }

// MetricUpdate bumps the per-route success counters.
type MetricUpdate struct{}

// Kind implements Action.
func (MetricUpdate) Kind() StepKind { return KindMetricUpdate }

// Step is one named unit of work within a route. Names are unique
// within a route; the checkpoint log is keyed by them.
type Step struct {
	Name   string
	Action Action
}

// Route is a named, ordered list of steps. Routes are registered at
// startup and never change afterwards.
type Route struct {
	ID    string
	Steps []Step
}

// Validate checks that the route has an id and uniquely named steps
// with non-nil actions.
func (r *Route) Validate() error {
	if r.ID == "" {
		return &EngineError{Message: "route ID cannot be empty", Code: "INVALID_ROUTE"}
	}
	if len(r.Steps) == 0 {
		return &EngineError{Message: "route has no steps: " + r.ID, Code: "INVALID_ROUTE"}
	}
	seen := make(map[string]bool, len(r.Steps))
	for _, step := range r.Steps {
		if step.Name == "" {
			return &EngineError{Message: "step name cannot be empty in route " + r.ID, Code: "INVALID_ROUTE"}
		}
		if step.Action == nil {
			return &EngineError{Message: "step has no action: " + step.Name, Code: "INVALID_ROUTE"}
		}
		if seen[step.Name] {
			return &EngineError{Message: "duplicate step name in route " + r.ID + ": " + step.Name, Code: "INVALID_ROUTE"}
		}
		seen[step.Name] = true
	}
	return nil
}

// Registry holds the routes known to the engine.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRegistry creates an empty route registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]*Route)}
}

// Register validates and adds a route. Duplicate ids are rejected.
func (g *Registry) Register(r *Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.routes[r.ID]; exists {
		return &EngineError{Message: "duplicate route ID: " + r.ID, Code: "DUPLICATE_ROUTE"}
	}
	g.routes[r.ID] = r
	return nil
}

// Get returns the route or false.
func (g *Registry) Get(routeID string) (*Route, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.routes[routeID]
	return r, ok
}

// IDs returns all registered route ids, sorted.
func (g *Registry) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.routes))
	for id := range g.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
