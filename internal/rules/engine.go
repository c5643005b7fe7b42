package rules

import (
	"github.com/rs/zerolog"

	"github.com/solatis/routekeeper/internal/types"
)

// Engine is a built, immutable rule set. It is safe for concurrent use;
// all per-request state lives in RequestContext.
type Engine struct {
	phases        types.Phases
	rules         *RuleStore
	preds         *PredicateStore
	executor      ActionExecutor
	maxIterations int
	log           zerolog.Logger

	modules []Module
	kinds   map[string]Module

	core    *coreModule
	request *requestModule
	path    *pathModule
	query   *queryModule
}

func newEngine(o buildOptions) *Engine {
	n := o.phases.Len()
	e := &Engine{
		phases:        o.phases,
		rules:         newRuleStore(n),
		preds:         NewPredicateStore(),
		executor:      o.executor,
		maxIterations: o.maxIterations,
		log:           o.log.With().Str("component", "engine").Logger(),
		kinds:         make(map[string]Module),
		core:          newCoreModule(n),
		request:       newRequestModule(n),
		path:          newPathModule(n),
		query:         newQueryModule(n),
	}
	e.modules = []Module{e.core, e.request, e.path, e.query}
	for slot, m := range e.modules {
		m.base().slot = slot
		for _, kind := range m.Kinds() {
			e.kinds[kind] = m
		}
	}
	return e
}

// Phases returns the phase enumeration the engine was built with.
func (e *Engine) Phases() types.Phases {
	return e.phases
}

// Rules returns the rule store.
func (e *Engine) Rules() *RuleStore {
	return e.rules
}

// Predicates returns the predicate store.
func (e *Engine) Predicates() *PredicateStore {
	return e.preds
}

// Modules returns the condition modules in narrowing order.
func (e *Engine) Modules() []Module {
	return e.modules
}

// MaxIterations returns the relookup bound.
func (e *Engine) MaxIterations() int {
	return e.maxIterations
}

// Len returns the number of rules.
func (e *Engine) Len() int {
	return e.rules.Len()
}
