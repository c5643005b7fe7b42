// internal/rules/compile.go
package rules

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/solatis/routekeeper/internal/metrics"
	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Engine build.
 *
 * Turns abstract RuleSpecs into the immutable Rule Store, Predicate Store
 * and condition module indices. Runs once per configuration load on a
 * single goroutine; the resulting Engine is read-only.
 *
 * Build workflow:
 *   1. Resolve the rule's condition phase against the host phase set
 *   2. Route every condition to the module that owns its kind; the module
 *      stores deduplicated predicates and narrowing entries
 *   3. Let every module close the rule (EndRule), which registers rules
 *      without an index entry as matchAll
 *   4. Resolve action phases and compile bodies through the executor
 *   5. Finalize modules against the per-phase rule universes
 *
 * Any error aborts the build; no partially built Engine is returned.
 * Errors name the rule position, its label and the failing condition.
 */

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	phases        types.Phases
	executor      ActionExecutor
	maxIterations int
	log           zerolog.Logger
}

// WithPhases sets the phase enumeration. Defaults to types.DefaultPhases.
func WithPhases(p types.Phases) Option {
	return func(o *buildOptions) { o.phases = p }
}

// WithExecutor sets the action executor. Defaults to KeywordExecutor.
func WithExecutor(ex ActionExecutor) Option {
	return func(o *buildOptions) { o.executor = ex }
}

// WithMaxIterations bounds narrowing passes per phase run.
func WithMaxIterations(n int) Option {
	return func(o *buildOptions) { o.maxIterations = n }
}

// WithLogger sets the diagnostic sink. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(o *buildOptions) { o.log = l }
}

// Build validates specs and constructs an Engine.
func Build(specs []types.RuleSpec, opts ...Option) (*Engine, error) {
	o := buildOptions{
		phases:        types.DefaultPhases,
		executor:      KeywordExecutor{},
		maxIterations: types.DefaultMaxIterations,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	e, err := build(specs, o)
	if err != nil {
		metrics.EngineBuilds.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}

	metrics.EngineBuilds.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.RulesLoaded.Set(float64(e.rules.Len()))
	e.log.Info().
		Int("rules", e.rules.Len()).
		Int("predicates", e.preds.Len()).
		Msg("Rule engine built")
	return e, nil
}

func build(specs []types.RuleSpec, o buildOptions) (*Engine, error) {
	if o.phases.Len() == 0 {
		return nil, fmt.Errorf("%w: no phases configured", types.ErrInvalidPhase)
	}
	if o.maxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be at least 1, got %d", o.maxIterations)
	}
	if o.executor == nil {
		return nil, fmt.Errorf("%w: nil action executor", types.ErrInvalidAction)
	}

	e := newEngine(o)
	seen := make(map[types.RuleID]int, len(specs))

	for i := range specs {
		spec := &specs[i]
		if spec.ID != "" {
			if prev, dup := seen[spec.ID]; dup {
				return nil, fmt.Errorf("rule %d (%s): %w: %s already defined by rule %d",
					i, spec.Label(), types.ErrDuplicateRule, spec.ID, prev)
			}
			seen[spec.ID] = i
		}

		rule, err := e.buildRule(types.RuleIndex(i), spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Label(), err)
		}
		e.rules.add(rule)
	}

	for _, m := range e.modules {
		m.Finalize(e.rules.Universe)
	}
	return e, nil
}

// buildRule registers one rule's conditions and compiles its actions.
func (e *Engine) buildRule(idx types.RuleIndex, spec *types.RuleSpec) (Rule, error) {
	phase, err := e.phases.Parse(spec.Phase)
	if err != nil {
		return Rule{}, err
	}

	id := spec.ID
	if id == "" {
		id = types.NewRuleID()
	}

	reg := &Registrar{store: e.preds}
	for ci, cond := range spec.Conditions {
		m, ok := e.kinds[cond.Kind]
		if !ok {
			return Rule{}, fmt.Errorf("condition %d (%s): %w", ci, cond.Kind, types.ErrUnknownConditionKind)
		}
		if err := m.Register(reg, idx, phase, cond); err != nil {
			return Rule{}, fmt.Errorf("condition %d (%s): %w", ci, cond.Kind, err)
		}
	}
	for _, m := range e.modules {
		m.EndRule(idx, phase)
	}

	actions := make([]Action, 0, len(spec.Actions))
	for ai, as := range spec.Actions {
		aphase := phase
		if as.Phase != "" {
			aphase, err = e.phases.Parse(as.Phase)
			if err != nil {
				return Rule{}, fmt.Errorf("action %d: %w", ai, err)
			}
		}
		compiled, err := e.executor.Compile(as.Body)
		if err != nil {
			return Rule{}, fmt.Errorf("action %d: %w: %v", ai, types.ErrInvalidAction, err)
		}
		actions = append(actions, Action{Phase: aphase, Body: as.Body, Compiled: compiled})
	}

	return Rule{
		Index:      idx,
		ID:         id,
		Name:       spec.Name,
		Phase:      phase,
		Predicates: reg.preds,
		Actions:    actions,
	}, nil
}
